package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// PasswordEnvVar is the variable the interactive connect script reads the
// account password from. It is set on the shell process environment only.
const PasswordEnvVar = "TEAMS_SHELL_PASSWORD"

// Command is one marker-framed script submitted to a shell session.
type Command struct {
	// Name labels the command in logs and metrics (connect, list_assignments, ...).
	Name string
	// Body is PowerShell source. Newlines are folded into statement separators
	// because the shell reads one command per input line.
	Body string
	// Raw returns the output as text instead of a JSON array of objects.
	Raw bool
}

// Render produces the single input line for the command. Both branches echo
// the marker back inside a frame:
//
//	@@<marker>|OK|<payload>|@@
//	@@<marker>|ERR|<message>|@@
//
// The frame is assembled from separate string literals at run time, so the
// command text itself (which a shell may echo) never contains a complete frame.
// A '|' can only occur inside a JSON string, where it is rewritten as \u007c;
// the decoded payload is unchanged and the first "|@@" always ends the frame.
func (c Command) Render(marker string) string {
	body := foldLines(c.Body)
	payload := "ConvertTo-Json -InputObject @($__r) -Compress -Depth 5"
	if c.Raw {
		payload = "ConvertTo-Json -InputObject (($__r | Out-String).TrimEnd()) -Compress"
	}
	payload = "((" + payload + ") -replace '\\|', '\\u007c')"
	m := psQuote(marker)
	return fmt.Sprintf(
		"try { $__r = & { $ErrorActionPreference = 'Stop'; %s }; Write-Output ('@@' + %s + '|OK|' + %s + '|@@') } "+
			"catch { Write-Output ('@@' + %s + '|ERR|' + ($_.Exception.Message -replace '[\\r\\n|]', ' ') + '|@@') }",
		body, m, payload, m,
	)
}

// DecodeRaw unwraps the JSON string payload of a Raw command.
func DecodeRaw(payload string) (string, error) {
	var out string
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return "", fmt.Errorf("decode raw command output: %w", err)
	}
	return out, nil
}

func foldLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	parts := strings.Split(s, "\n")
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}

// psQuote renders s as a single-quoted PowerShell literal.
func psQuote(s string) string {
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ConnectCertificate authenticates with an application certificate; no
// multi-factor step is possible on this path.
func ConnectCertificate(t domain.Tenant) Command {
	return Command{
		Name: "connect",
		Body: fmt.Sprintf(
			"Import-Module MicrosoftTeams; Connect-MicrosoftTeams -TenantId %s -ApplicationId %s -CertificateThumbprint %s | Out-Null; 'connected'",
			psQuote(t.ID), psQuote(t.ApplicationID), psQuote(t.CertificateThumbprint),
		),
	}
}

// ConnectInteractive authenticates with the operator account credential. The
// platform may answer with a one-time code prompt.
func ConnectInteractive(t domain.Tenant) Command {
	return Command{
		Name: "connect",
		Body: fmt.Sprintf(
			"Import-Module MicrosoftTeams; "+
				"$__c = New-Object System.Management.Automation.PSCredential(%s, (ConvertTo-SecureString $env:%s -AsPlainText -Force)); "+
				"Connect-MicrosoftTeams -TenantId %s -Credential $__c | Out-Null; Remove-Variable __c; 'connected'",
			psQuote(t.AccountID), PasswordEnvVar, psQuote(t.ID),
		),
	}
}

// ListAssignments returns every user with a line URI.
func ListAssignments() Command {
	return Command{
		Name: "list_assignments",
		Body: "Get-CsOnlineUser -Filter {LineURI -ne $null} | ForEach-Object { [pscustomobject]@{ " +
			"LineUri = \"$($_.LineURI)\"; UserPrincipalName = \"$($_.UserPrincipalName)\"; " +
			"DisplayName = \"$($_.DisplayName)\"; OnlineVoiceRoutingPolicy = \"$($_.OnlineVoiceRoutingPolicy)\" } }",
	}
}

// AssignNumber assigns a direct routing number and, when given, grants the routing policy.
func AssignNumber(principal, number, policy string) Command {
	body := fmt.Sprintf("Set-CsPhoneNumberAssignment -Identity %s -PhoneNumber %s -PhoneNumberType DirectRouting",
		psQuote(principal), psQuote(number))
	if policy != "" {
		body += fmt.Sprintf("; Grant-CsOnlineVoiceRoutingPolicy -Identity %s -PolicyName %s", psQuote(principal), psQuote(policy))
	}
	return Command{Name: "assign_number", Body: body + "; 'assigned'"}
}

// RemoveNumber removes a direct routing number from a user.
func RemoveNumber(principal, number string) Command {
	return Command{
		Name: "remove_number",
		Body: fmt.Sprintf("Remove-CsPhoneNumberAssignment -Identity %s -PhoneNumber %s -PhoneNumberType DirectRouting; 'removed'",
			psQuote(principal), psQuote(number)),
	}
}

// Operator wraps free text typed by an operator. Its output is returned as text.
func Operator(text string) Command {
	return Command{Name: "operator", Body: text, Raw: true}
}
