package threat

import "time"

// Type classifies a detected attack pattern.
type Type string

const (
	TypeBruteForce          Type = "BRUTE_FORCE"
	TypeCredentialStuffing  Type = "CREDENTIAL_STUFFING"
	TypeDDoS                Type = "DDOS"
	TypeAccountTakeover     Type = "ACCOUNT_TAKEOVER"
	TypeDataExfiltration    Type = "DATA_EXFILTRATION"
	TypePrivilegeEscalation Type = "PRIVILEGE_ESCALATION"
	TypeSuspiciousActivity  Type = "SUSPICIOUS_ACTIVITY"
	TypeMaliciousInput      Type = "MALICIOUS_INPUT"
)

// Severity grades a threat.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Threat is a classified, timestamped record of a detected attack
// pattern. Resolved transitions only false to true, never back.
type Threat struct {
	ID                string    `json:"id"`
	Type              Type      `json:"type"`
	Severity          Severity  `json:"severity"`
	Timestamp         time.Time `json:"timestamp"`
	Source            string    `json:"source"`
	Description       string    `json:"description"`
	Indicators        []string  `json:"indicators,omitempty"`
	AutomatedResponse string    `json:"automated_response,omitempty"`
	Resolved          bool      `json:"resolved"`
}
