// internal/common/aws/ses.go
package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client the wrapper calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESClient struct {
	client SESAPI
}

func NewSESClient(ctx context.Context, region string) (*SESClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESClient{client: ses.NewFromConfig(cfg)}, nil
}

// NewSESClientWithAPI wraps an existing SES API implementation.
func NewSESClientWithAPI(api SESAPI) *SESClient {
	return &SESClient{client: api}
}

// Email is a single outgoing message.
type Email struct {
	From     string
	To       []string
	Subject  string
	HTMLBody string
	TextBody string
}

// SendHTML sends an HTML email with a plain-text alternative and returns the SES message id.
func (s *SESClient) SendHTML(ctx context.Context, email Email) (string, error) {
	body := &types.Body{
		Html: &types.Content{Charset: awssdk.String("UTF-8"), Data: awssdk.String(email.HTMLBody)},
	}
	if email.TextBody != "" {
		body.Text = &types.Content{Charset: awssdk.String("UTF-8"), Data: awssdk.String(email.TextBody)}
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      awssdk.String(email.From),
		Destination: &types.Destination{ToAddresses: email.To},
		Message: &types.Message{
			Subject: &types.Content{Charset: awssdk.String("UTF-8"), Data: awssdk.String(email.Subject)},
			Body:    body,
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send email: %w", err)
	}
	return awssdk.ToString(out.MessageId), nil
}
