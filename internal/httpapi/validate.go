package httpapi

import (
	"errors"
	"net/url"

	"github.com/google/uuid"
)

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errors.New("url must be an absolute http(s) url")
	}
	return nil
}

func newID() string { return uuid.NewString() }
