package notify

import (
	"bytes"
	"fmt"
	"text/template"

	alarms "pointcalc/internal/alarms/domain"
)

// DefaultMessage is used when a rule configures no message template.
const DefaultMessage = `{{.Rule}} {{.Condition}} on {{.Point}}: {{.Value}}`

var defaultMessage = template.Must(template.New("alarm-message").Parse(DefaultMessage))

// MessageData provides fields for occurrence messages.
type MessageData struct {
	Rule      string
	RuleID    string
	Point     string
	Condition string
	Severity  string
	Value     string
	Previous  string
	Threshold string
}

// MessageSet holds the compiled message templates of one rule. A template
// keyed by band in message_config wins over message_template.
type MessageSet struct {
	byBand   map[alarms.Band]*template.Template
	fallback *template.Template
}

// CompileMessages parses every message template of a rule.
func CompileMessages(rule alarms.AlarmRule) (*MessageSet, error) {
	set := &MessageSet{
		byBand:   make(map[alarms.Band]*template.Template, len(rule.MessageConfig)),
		fallback: defaultMessage,
	}
	if rule.MessageTemplate != "" {
		tpl, err := template.New(rule.ID).Parse(rule.MessageTemplate)
		if err != nil {
			return nil, fmt.Errorf("message template: %w", err)
		}
		set.fallback = tpl
	}
	for band, body := range rule.MessageConfig {
		tpl, err := template.New(rule.ID + "." + band).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("message config %s: %w", band, err)
		}
		set.byBand[alarms.Band(band)] = tpl
	}
	return set, nil
}

// Render produces the message for band. Execution errors fall back to the
// default message.
func (m *MessageSet) Render(band alarms.Band, data MessageData) string {
	tpl := defaultMessage
	if m != nil {
		tpl = m.fallback
		if banded, ok := m.byBand[band]; ok {
			tpl = banded
		}
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		buf.Reset()
		_ = defaultMessage.Execute(&buf, data)
	}
	return buf.String()
}

// FormatValue renders a point value for messages.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case float64:
		return fmt.Sprintf("%.2f", v)
	case float32:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprint(v)
	}
}
