package sharing

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/agendasync/project/internal/platform/logging"
)

// SESConfig holds the settings for grant emails sent through AWS SES.
type SESConfig struct {
	Region             string
	AccessKeyID        string
	SecretAccessKey    string
	FromAddress        string
	FromName           string
	InsecureSkipVerify bool
}

// EmailSender is the subset of *ses.Client the notifier calls.
type EmailSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier emails the grantee after a successful share.
type SESNotifier struct {
	Client      EmailSender
	FromAddress string
	FromName    string
	ShareURL    string
	Logger      *slog.Logger
}

func NewSESNotifier(cfg SESConfig, shareURL string, logger *slog.Logger) *SESNotifier {
	logger = logging.OrDefault(logger)
	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled for SES; use only in development")
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				MinVersion:         tls.VersionTLS12,
			},
		},
	}
	awsCfg := aws.Config{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		HTTPClient: httpClient,
	}
	return &SESNotifier{
		Client:      ses.NewFromConfig(awsCfg),
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		ShareURL:    shareURL,
		Logger:      logger,
	}
}

func (n *SESNotifier) GrantCreated(ctx context.Context, notice GrantNotice) error {
	source := n.FromAddress
	if n.FromName != "" {
		source = fmt.Sprintf("%s <%s>", n.FromName, n.FromAddress)
	}
	subject, text := grantMessage(notice, n.ShareURL)
	out, err := n.Client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(source),
		Destination: &types.Destination{ToAddresses: []string{notice.GranteeEmail}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send grant email via SES: %w", err)
	}
	logging.OrDefault(n.Logger).Info("grant email sent", "grant_id", notice.Grant.ID, "message_id", aws.ToString(out.MessageId))
	return nil
}

func grantMessage(notice GrantNotice, shareURL string) (string, string) {
	greeting := "Hello"
	if notice.GranteeName != "" {
		greeting = "Hello " + notice.GranteeName
	}
	access := "view"
	if notice.Grant.Permission.CanEdit() {
		access = "view and edit"
	}
	text := fmt.Sprintf("%s,\n\nAn agenda was shared with you. You can now %s its appointments.\n", greeting, access)
	if shareURL != "" {
		text += "\nOpen it at " + shareURL + "\n"
	}
	return "An agenda was shared with you", text
}

// LogNotifier records grants in the log instead of sending email.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) GrantCreated(_ context.Context, notice GrantNotice) error {
	logging.OrDefault(n.Logger).Info("grant notification suppressed",
		"grant_id", notice.Grant.ID, "to", notice.GranteeEmail)
	return nil
}
