package smtp

// Envelope is the per-transaction data a session accumulates: the
// authenticated user, the MAIL FROM / RCPT TO set, and the DATA body.
// It is reset on EHLO, RSET, and on re-entering MailFrom from Data
// (spec.md §3's SessionData).
type Envelope struct {
	LoggedUser string
	MailFrom   string
	RcptTo     []string
	Data       string
}
