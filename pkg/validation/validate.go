package validation

import (
	"errors"
	"fmt"
	"strings"

	"chatsync/pkg/models"
)

// Rules configures boundary checks applied to outgoing message creates.
// Zero values disable the corresponding check.
type Rules struct {
	Required   []string
	MaxTextLen int
}

var rules = Rules{Required: []string{"_id", "date", "text"}}

// SetRules replaces the active rule set.
func SetRules(r Rules) { rules = r }

// ValidateMessage checks a message against the configured rules before
// it is handed to the store.
func ValidateMessage(m *models.Message) error {
	var errs []string
	root := map[string]interface{}{
		"_id":    m.ID,
		"date":   models.FormatTime(m.Date),
		"author": m.Author,
		"text":   m.Text,
	}
	for _, p := range rules.Required {
		v, ok := root[p]
		if !ok {
			errs = append(errs, fmt.Sprintf("unknown required path: %s", p))
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			errs = append(errs, fmt.Sprintf("required path missing: %s", p))
		}
	}
	if rules.MaxTextLen > 0 && len(m.Text) > rules.MaxTextLen {
		errs = append(errs, fmt.Sprintf("max length exceeded at text: %d > %d", len(m.Text), rules.MaxTextLen))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
