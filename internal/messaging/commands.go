package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tenant is what the command processor needs to know about a tenant.
type Tenant struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	WhatsAppEnabled bool   `json:"whatsappEnabled"`
}

// TenantDirectory resolves the subscription code a user typed.
type TenantDirectory interface {
	ResolveTenant(ctx context.Context, code string) (Tenant, bool, error)
}

// codeAliases map legacy codes onto the platform tenant.
var codeAliases = map[string]string{
	"platform":    "www",
	"viraltenant": "www",
}

// NormalizeCode lowercases code and applies the platform aliases.
func NormalizeCode(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if alias, ok := codeAliases[c]; ok {
		return alias
	}
	return c
}

// Commands handles inbound subscription commands.
type Commands struct {
	Directory   TenantDirectory
	Subscribers SubscriberStore
	Now         func() time.Time
}

const helpText = "Available commands:\n" +
	"START <code> - subscribe to a creator\n" +
	"STOP <code> - unsubscribe from a creator\n" +
	"STOP ALL - unsubscribe from everything\n" +
	"LIST - show your subscriptions\n" +
	"HELP - show this message"

// Handle runs one command from phone and returns the reply text.
func (c Commands) Handle(ctx context.Context, phone, text string) (string, error) {
	phone = strings.TrimSpace(phone)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return helpText, nil
	}
	verb := strings.ToUpper(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}

	switch verb {
	case "HELP", "HILFE", "?":
		return helpText, nil
	case "LIST", "LISTE":
		return c.list(ctx, phone)
	case "START":
		if arg == "" {
			return "Please send START followed by a creator code.", nil
		}
		return c.start(ctx, phone, arg)
	case "STOP":
		if arg == "" {
			return "Please send STOP followed by a creator code, or STOP ALL.", nil
		}
		if strings.EqualFold(arg, "all") {
			return c.stopAll(ctx, phone)
		}
		return c.stop(ctx, phone, arg)
	}
	return "Unknown command. Send HELP for the list of commands.", nil
}

func (c Commands) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Commands) subscriptions(ctx context.Context, phone string) ([]Subscriber, error) {
	subs, err := c.Subscribers.SubscriptionsFor(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	return Active(subs), nil
}

func (c Commands) list(ctx context.Context, phone string) (string, error) {
	subs, err := c.subscriptions(ctx, phone)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "You have no active subscriptions. Send START <code> to subscribe.", nil
	}
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		name := s.TenantName
		if name == "" {
			name = s.TenantID
		}
		names = append(names, "• "+name)
	}
	sort.Strings(names)
	return "Your subscriptions:\n" + strings.Join(names, "\n"), nil
}

func (c Commands) resolve(ctx context.Context, code string) (Tenant, bool, error) {
	t, ok, err := c.Directory.ResolveTenant(ctx, NormalizeCode(code))
	if err != nil {
		return Tenant{}, false, fmt.Errorf("resolve tenant: %w", err)
	}
	return t, ok, nil
}

func (c Commands) start(ctx context.Context, phone, code string) (string, error) {
	t, ok, err := c.resolve(ctx, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("No creator found for code %q.", code), nil
	}
	if !t.WhatsAppEnabled {
		return fmt.Sprintf("%s does not offer WhatsApp updates.", t.Name), nil
	}
	subs, err := c.subscriptions(ctx, phone)
	if err != nil {
		return "", err
	}
	for _, s := range subs {
		if s.TenantID == t.ID {
			return fmt.Sprintf("You are already subscribed to %s.", t.Name), nil
		}
	}
	now := c.now()
	err = c.Subscribers.PutSubscriber(ctx, Subscriber{
		TenantID: t.ID, TenantName: t.Name, Phone: phone, Status: StatusActive,
		SubscribedAt: now, UpdatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}
	return fmt.Sprintf("You are now subscribed to %s. Send STOP %s to unsubscribe.", t.Name, t.Code), nil
}

func (c Commands) stop(ctx context.Context, phone, code string) (string, error) {
	t, ok, err := c.resolve(ctx, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("No creator found for code %q.", code), nil
	}
	subs, err := c.subscriptions(ctx, phone)
	if err != nil {
		return "", err
	}
	for _, s := range subs {
		if s.TenantID != t.ID {
			continue
		}
		if err := c.Subscribers.DeleteSubscriber(ctx, t.ID, phone); err != nil {
			return "", fmt.Errorf("unsubscribe: %w", err)
		}
		return fmt.Sprintf("You have unsubscribed from %s.", t.Name), nil
	}
	return fmt.Sprintf("You are not subscribed to %s.", t.Name), nil
}

func (c Commands) stopAll(ctx context.Context, phone string) (string, error) {
	subs, err := c.subscriptions(ctx, phone)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "You have no active subscriptions.", nil
	}
	for _, s := range subs {
		if err := c.Subscribers.DeleteSubscriber(ctx, s.TenantID, phone); err != nil {
			return "", fmt.Errorf("unsubscribe: %w", err)
		}
	}
	return fmt.Sprintf("You have unsubscribed from %d creator(s).", len(subs)), nil
}
