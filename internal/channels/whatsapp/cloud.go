package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"crosspost/internal/channels"
	"crosspost/internal/channels/graph"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/messaging"
)

const DefaultGraphURL = "https://graph.facebook.com/v20.0"

var errNoCredentials = errors.New("whatsapp cloud api: phone number id and token are required")

type CloudConfig struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
}

// Cloud sends descriptors through the WhatsApp Cloud API. It implements
// messaging.Sender.
type Cloud struct {
	base   string
	phone  string
	token  string
	client httpapi.Client
}

func NewCloud(cfg CloudConfig, d httpapi.Doer) *Cloud {
	client := httpapi.New(crosspost.WhatsApp, d)
	client.Classify = graph.Classify
	return &Cloud{
		base:   channels.BaseURL(cfg.BaseURL, DefaultGraphURL),
		phone:  strings.TrimSpace(cfg.PhoneNumberID),
		token:  strings.TrimSpace(cfg.AccessToken),
		client: client,
	}
}

// E164 prefixes a bare number with "+".
func E164(phone string) string {
	p := strings.TrimSpace(phone)
	if p == "" || strings.HasPrefix(p, "+") {
		return p
	}
	return "+" + p
}

type mediaBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

func (c *Cloud) Send(ctx context.Context, d messaging.Descriptor) error {
	if c.phone == "" || c.token == "" {
		return crosspost.Configuration(crosspost.WhatsApp, errNoCredentials.Error())
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                E164(d.To),
	}
	text := ""
	if d.Text != nil {
		text = *d.Text
	}
	switch {
	case d.MediaURL == "":
		body["type"] = "text"
		body["text"] = map[string]any{"body": text, "preview_url": true}
	case d.MediaType == "video":
		body["type"] = "video"
		body["video"] = mediaBody{Link: d.MediaURL, Caption: text}
	default:
		body["type"] = "image"
		body["image"] = mediaBody{Link: d.MediaURL, Caption: text}
	}
	endpoint := c.base + "/" + url.PathEscape(c.phone) + "/messages"
	_, err := c.client.JSON(ctx, http.MethodPost, endpoint, httpapi.Bearer(c.token), body, nil)
	return err
}
