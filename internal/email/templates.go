package email

import "strings"

const (
	RegistrationSubject = "[CampusEvent] Verify Your Email Address"
	ResetSubject        = "[CampusEvent] Reset Password"
)

const registrationTemplate = "Dear <NICKNAME>,\n\n" +
	"Welcome to join CampusEvent!\n" +
	"Please enter the following verification code to verify your email within 15 minutes!\n\n" +
	"<CODE>\n\n" +
	"Regards,\n" +
	"CampusEvent Support Team\n"

const resetTemplate = "Dear <NICKNAME>,\n\n" +
	"You are applying to reset your password\n" +
	"Please enter the following verification code to reset your password within 5 minutes!\n\n" +
	"<CODE>\n\n" +
	"Regards,\n" +
	"CampusEvent Support Team\n"

// RenderRegistration returns the body of the email-verification message.
func RenderRegistration(nickname, code string) string {
	return render(registrationTemplate, nickname, code)
}

// RenderReset returns the body of the password-reset message.
func RenderReset(nickname, code string) string {
	return render(resetTemplate, nickname, code)
}

// render substitutes in a single pass so a nickname containing a
// placeholder is left alone.
func render(tmpl, nickname, code string) string {
	return strings.NewReplacer("<NICKNAME>", nickname, "<CODE>", code).Replace(tmpl)
}
