package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"raidguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)
)

var fieldAliases = map[string][]string{
	"timestamp":       {"timestamp", "time", "ts"},
	"kind":            {"kind", "event", "type", "event_type"},
	"guild_id":        {"guild_id", "guild", "guildid", "community", "community_id", "server"},
	"guild_name":      {"guild_name", "guildname", "server_name"},
	"user_id":         {"user_id", "user", "userid", "member", "member_id"},
	"username":        {"username", "user_name", "name", "tag"},
	"account_created": {"account_created", "account_created_at", "created_at", "created"},
	"content":         {"content", "message", "text"},
	"contains_link":   {"contains_link", "has_link", "link"},
}

// canonicalField maps an alias to its canonical key, or "" when unknown.
func canonicalField(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for canonical, aliases := range fieldAliases {
		for _, a := range aliases {
			if a == name {
				return canonical
			}
		}
	}
	return ""
}

// Parser reads one event per line as JSON, CSV or key=value text. It keeps
// the CSV header between lines, so use one Parser per stream.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := parseJSON(trim); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.EventFields, error) {
	return ParseJSONBytes([]byte(line))
}

func parsePlain(line string) (*normalize.EventFields, error) {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	ts, _ := extractTimestamp(line)
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		assignField(fields, match[1], strings.Trim(match[2], `"`))
	}
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	return fields, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse reads one CSV record. The first record that looks like a header is
// remembered and yields nil fields. Without a header the columns are
// timestamp, kind, guild_id, user_id, username, account_created.
func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.EventFields{Extras: map[string]string{}}
	columns := p.header
	if columns == nil {
		columns = []string{"timestamp", "kind", "guild_id", "user_id", "username", "account_created"}
	}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if canonicalField(v) != "" {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.EventFields, name string, value string) {
	value = strings.TrimSpace(value)
	switch canonicalField(name) {
	case "timestamp":
		fields.Timestamp = value
	case "kind":
		fields.Kind = value
	case "guild_id":
		fields.GuildID = value
	case "guild_name":
		fields.GuildName = value
	case "user_id":
		fields.UserID = value
	case "username":
		fields.Username = value
	case "account_created":
		fields.AccountCreated = value
	case "content":
		fields.Content = value
	case "contains_link":
		fields.ContainsLink = value
	default:
		if fields.Extras != nil {
			fields.Extras[strings.ToLower(strings.TrimSpace(name))] = value
		}
	}
}
