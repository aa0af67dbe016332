package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/taskweave/taskweave/pkg/taskerr"
)

// HTTPNotificationService delivers outbound mail through the notification
// service. It satisfies the plugin package's Mailer.
type HTTPNotificationService struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewHTTPNotificationService creates a notification client. client may be nil.
func NewHTTPNotificationService(baseURL, serviceToken string, client *http.Client) *HTTPNotificationService {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPNotificationService{baseURL: baseURL, serviceToken: serviceToken, client: client}
}

type emailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendEmail submits one message for delivery. Delivery is asynchronous on
// the provider side; acceptance is success here.
func (s *HTTPNotificationService) SendEmail(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(emailRequest{To: to, Subject: subject, Body: body})
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, err, "failed to encode email request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/emails", bytes.NewReader(payload))
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, err, "failed to build email request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.serviceToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return taskerr.Wrap(taskerr.KindNetwork, err, "notification service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return taskerr.New(taskerr.KindInvalidInput,
			"notification service rejected the message (HTTP %d)", resp.StatusCode)
	default:
		return taskerr.New(taskerr.KindNetwork,
			"notification service returned HTTP %d", resp.StatusCode)
	}
}
