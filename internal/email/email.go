package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"

	"go.uber.org/zap"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	log      *zap.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(host, port, username, password, from string, log *zap.Logger) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		log:      log,
		sendMail: smtp.SendMail,
	}
}

var welcomeTemplate = template.Must(template.New("welcome").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #6200ee; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Welcome to Chatty!</h1>
        </div>
        <div class="content">
            <p>Hi {{.Username}},</p>
            <p>Your account is ready. Join the {{.Room}} room to say hello, or add friends to start a direct conversation.</p>
            <p>If you didn't create an account, you can safely ignore this email.</p>
        </div>
        <div class="footer">
            <p>&copy; Chatty</p>
        </div>
    </div>
</body>
</html>
`))

// SendWelcome mails a greeting to a freshly registered identity.
func (s *Sender) SendWelcome(to, username, room string) error {
	var body bytes.Buffer
	if err := welcomeTemplate.Execute(&body, map[string]string{"Username": username, "Room": room}); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	subject := "Welcome to Chatty"
	headers := []struct{ key, value string }{
		{"From", s.From},
		{"To", to},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=\"UTF-8\""},
	}

	var message bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&message, "%s: %s\r\n", h.key, h.value)
	}
	message.WriteString("\r\n")
	message.Write(body.Bytes())

	// Without a configured host the mail is only logged.
	if s.Host == "" {
		s.log.Info("mock email", zap.String("to", to), zap.String("subject", subject))
		return nil
	}

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	return s.sendMail(addr, auth, s.From, []string{to}, message.Bytes())
}
