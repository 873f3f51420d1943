package domain

type SecurityAction string

const (
	ActionAllow   SecurityAction = "allow"
	ActionBlock   SecurityAction = "block"
	ActionConfirm SecurityAction = "confirm"
)

type AuditEntry struct {
	Action   string // code_exec | code_blocked | confirm_yes | confirm_no
	Language string
	Code     string
	Result   string // allowed | blocked | confirmed | denied
	Details  string
}
