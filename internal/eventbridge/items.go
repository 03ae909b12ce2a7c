package eventbridge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/employee/internal/plan"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// ItemSchemaVersion is the currently supported inbound item version.
	ItemSchemaVersion = 1
)

const itemSchemaURL = "https://employee.schemas.local/eventbridge/item.schema.json"

// itemSchema is the contract for POST /items.
var itemSchema = fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["producer", "body"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "const": %d},
    "item_id": {"type": "string", "pattern": "^[A-Za-z0-9._-]{1,80}$"},
    "producer": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,40}$"},
    "type": {"type": "string", "enum": %s},
    "priority": {"type": "string", "enum": ["high", "medium", "low"]},
    "title": {"type": "string", "maxLength": 200},
    "recipient": {"type": "string", "maxLength": 320},
    "tags": {"type": "array", "items": {"type": "string", "maxLength": 60}, "maxItems": 20},
    "body": {"type": "string", "minLength": 1},
    "client_time": {"type": "string"}
  }
}`, ItemSchemaVersion, typeEnum())

func typeEnum() string {
	names := make([]string, 0, len(plan.Types()))
	for _, t := range plan.Types() {
		names = append(names, string(t))
	}
	data, _ := json.Marshal(names)
	return string(data)
}

// compileItemSchema builds the validator once per server.
func compileItemSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(itemSchemaURL, strings.NewReader(itemSchema)); err != nil {
		return nil, fmt.Errorf("eventbridge: load item schema: %w", err)
	}
	schema, err := c.Compile(itemSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("eventbridge: compile item schema: %w", err)
	}
	return schema, nil
}

// Item is one raw unit of input posted by a producer (mail watcher,
// LinkedIn or WhatsApp bridge, file-drop scanner).
type Item struct {
	Version    int        `json:"version"`
	ItemID     string     `json:"item_id"`
	Producer   string     `json:"producer"`
	Type       string     `json:"type"`
	Priority   string     `json:"priority"`
	Title      string     `json:"title"`
	Recipient  string     `json:"recipient"`
	Tags       []string   `json:"tags"`
	Body       string     `json:"body"`
	ClientTime *time.Time `json:"client_time"`
}

// Normalize applies defaults and canonical formatting.
func (it *Item) Normalize() {
	if it == nil {
		return
	}
	if it.Version == 0 {
		it.Version = ItemSchemaVersion
	}
	it.ItemID = strings.TrimSpace(it.ItemID)
	it.Producer = strings.ToLower(strings.TrimSpace(it.Producer))
	it.Type = strings.ToLower(strings.TrimSpace(it.Type))
	it.Priority = strings.ToLower(strings.TrimSpace(it.Priority))
	it.Title = strings.TrimSpace(it.Title)
	it.Recipient = strings.TrimSpace(it.Recipient)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns the inbox file name for the item. Items carrying an
// item_id map to a stable name so a producer retry cannot enqueue twice.
func (it Item) FileName(received time.Time) string {
	producer := strings.ToUpper(unsafeName.ReplaceAllString(it.Producer, "_"))
	if it.ItemID != "" {
		return fmt.Sprintf("%s_%s.md", producer, unsafeName.ReplaceAllString(it.ItemID, "_"))
	}
	sum := sha256.Sum256([]byte(it.Body))
	return fmt.Sprintf("%s_%s_%s.md", producer, received.UTC().Format("20060102_150405"), hex.EncodeToString(sum[:])[:8])
}

type itemFrontmatter struct {
	Producer   string   `yaml:"producer"`
	ItemID     string   `yaml:"item_id,omitempty"`
	Type       string   `yaml:"type,omitempty"`
	Priority   string   `yaml:"priority,omitempty"`
	Recipient  string   `yaml:"recipient,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
	ReceivedAt string   `yaml:"received_at"`
	ClientTime string   `yaml:"client_time,omitempty"`
}

// Markdown renders the item in the inbox file format: YAML frontmatter
// followed by the body, headed by the title when there is one.
func (it Item) Markdown(received time.Time) ([]byte, error) {
	fm := itemFrontmatter{
		Producer:   it.Producer,
		ItemID:     it.ItemID,
		Type:       it.Type,
		Priority:   it.Priority,
		Recipient:  it.Recipient,
		Tags:       it.Tags,
		ReceivedAt: received.UTC().Format(time.RFC3339),
	}
	if it.ClientTime != nil {
		fm.ClientTime = it.ClientTime.UTC().Format(time.RFC3339)
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("eventbridge: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	if it.Title != "" {
		fmt.Fprintf(&buf, "# %s\n\n", it.Title)
	}
	buf.WriteString(strings.TrimSpace(it.Body))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	InboxReady    bool   `json:"inbox_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type itemResponse struct {
	Status     string    `json:"status"`
	Name       string    `json:"name"`
	ServerTime time.Time `json:"server_time"`
}

type pendingRecord struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Recipient     string    `json:"recipient,omitempty"`
	ApprovalLevel string    `json:"approval_priority"`
	RiskNote      string    `json:"risk_description"`
	Flags         []string  `json:"flags"`
	CreatedAt     time.Time `json:"created_at"`
}
