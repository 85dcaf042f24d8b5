// templates.go renders the HTML bodies of the outbound emails. Templates are
// embedded in the binary and parsed once.
package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// Subjects of the outbound emails
const (
	SubjectVerification  = "API Manager - Email Verification"
	SubjectPasswordReset = "API Manager - Password Reset"
	SubjectLoginAlert    = "API Manager - Login Alert"
	SubjectKeyGenerated  = "API Manager - New API Key Generated"
	SubjectKeyExpiring   = "API Manager - API Key Expiring Soon"
)

// Message is a rendered email ready for a Sender
type Message struct {
	Template string
	Subject  string
	HTML     string
}

type templateDef struct {
	file   string
	banner string
	accent string
}

var templateDefs = map[string]templateDef{
	"verification":   {"verification.html", "Email Verification Required", "#667eea"},
	"password_reset": {"password_reset.html", "Password Reset", "#667eea"},
	"login_alert":    {"login_alert.html", "Login Alert", "#11998e"},
	"key_generated":  {"key_generated.html", "API Key Notification", "#e17055"},
	"key_expiring":   {"key_expiring.html", "API Key Expiring Soon", "#d63031"},
}

var parsed = mustParse()

func mustParse() map[string]*template.Template {
	out := make(map[string]*template.Template, len(templateDefs))
	for name, def := range templateDefs {
		out[name] = template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+def.file))
	}
	return out
}

type layoutData struct {
	Banner string
	Accent string
	Data   interface{}
}

func render(name, subject string, data interface{}) (*Message, error) {
	tmpl, ok := parsed[name]
	if !ok {
		return nil, fmt.Errorf("unknown email template %q", name)
	}
	def := templateDefs[name]
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", layoutData{Banner: def.banner, Accent: def.accent, Data: data}); err != nil {
		return nil, fmt.Errorf("failed to render %s email: %w", name, err)
	}
	return &Message{Template: name, Subject: subject, HTML: buf.String()}, nil
}

// VerificationEmail carries a passcode for email verification
func VerificationEmail(code string, validity time.Duration) (*Message, error) {
	return render("verification", SubjectVerification, struct {
		Code         string
		ValidMinutes int
	}{code, int(validity.Minutes())})
}

// PasswordResetEmail carries a passcode for password reset
func PasswordResetEmail(code string, validity time.Duration) (*Message, error) {
	return render("password_reset", SubjectPasswordReset, struct {
		Code         string
		ValidMinutes int
	}{code, int(validity.Minutes())})
}

// LoginAlertEmail notifies the owner of a successful login
func LoginAlertEmail(username, ipAddress string, at time.Time) (*Message, error) {
	return render("login_alert", SubjectLoginAlert, struct {
		Username  string
		IPAddress string
		Time      string
	}{username, ipAddress, at.UTC().Format("2006-01-02 15:04:05 UTC")})
}

// KeyGeneratedEmail notifies the owner that a key was created or regenerated
func KeyGeneratedEmail(keyName, keyPreview string, regenerated bool) (*Message, error) {
	return render("key_generated", SubjectKeyGenerated, struct {
		KeyName     string
		KeyPreview  string
		Regenerated bool
	}{keyName, keyPreview, regenerated})
}

// KeyExpiringEmail warns the owner that a key expires soon
func KeyExpiringEmail(username, keyName, keyPreview string, expiresAt, now time.Time) (*Message, error) {
	daysLeft := int(expiresAt.Sub(now).Hours()/24) + 1
	if daysLeft < 0 {
		daysLeft = 0
	}
	return render("key_expiring", SubjectKeyExpiring, struct {
		Username   string
		KeyName    string
		KeyPreview string
		ExpiresAt  string
		DaysLeft   int
	}{username, keyName, keyPreview, expiresAt.UTC().Format(time.RFC1123), daysLeft})
}
