package notify

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templatesYAML []byte

type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type Templates struct {
	AccountCreated Template `yaml:"account_created"`
	AccountDeleted Template `yaml:"account_deleted"`
}

// LoadTemplates parses the embedded template set.
func LoadTemplates() (Templates, error) {
	return parseTemplates(templatesYAML)
}

func parseTemplates(raw []byte) (Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Templates{}, fmt.Errorf("parse email templates: %w", err)
	}
	var errs []error
	for name, tpl := range map[string]Template{
		"account_created": t.AccountCreated,
		"account_deleted": t.AccountDeleted,
	} {
		if tpl.Subject == "" || tpl.Body == "" {
			errs = append(errs, fmt.Errorf("email template %s: subject and body are required", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Templates{}, err
	}
	return t, nil
}
