package llm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// RoleContent is implemented by foreign message types that expose a
// role and a text body.
type RoleContent interface {
	GetRole() string
	GetContent() string
}

// TypeContent is implemented by foreign message types that tag their
// author with a type such as "human", "ai" or "tool".
type TypeContent interface {
	GetType() string
	GetContent() string
}

// ToolCallAccessor is implemented by foreign tool-call types. If the
// value also has a ToolCallID() string method, its result is used as
// the call id.
type ToolCallAccessor interface {
	ToolName() string
	ToolArguments() any
}

// Normalizer converts loosely shaped conversation data into canonical
// messages. It never fails: anything it cannot recognize is degraded to
// a user message carrying a best-effort rendering. The zero value is
// ready to use; Logger is optional and receives a debug record for each
// degraded element.
type Normalizer struct {
	Logger *slog.Logger
}

var defaultNormalizer Normalizer

// NormalizeMessages converts raw into canonical messages using a
// Normalizer without a logger.
func NormalizeMessages(raw any) []Message { return defaultNormalizer.Messages(raw) }

// NormalizeMessage converts one raw element into a canonical message.
func NormalizeMessage(raw any) Message { return defaultNormalizer.Message(raw) }

// NormalizeToolCall converts one raw tool call into canonical form.
func NormalizeToolCall(raw any) ToolCall { return defaultNormalizer.ToolCall(raw) }

// NormalizeToolCalls converts a raw list of tool calls into canonical
// form. It returns nil when the list is empty.
func NormalizeToolCalls(raw any) []ToolCall { return defaultNormalizer.ToolCalls(raw) }

// SanitizeForModel prepares canonical messages for a model call.
func SanitizeForModel(msgs []Message) []Message { return defaultNormalizer.Sanitize(msgs) }

// typeAliases maps "type"-tagged authors onto roles.
var typeAliases = map[string]Role{
	"human":     RoleUser,
	"user":      RoleUser,
	"ai":        RoleAssistant,
	"assistant": RoleAssistant,
	"tool":      RoleTool,
	"system":    RoleSystem,
}

func (n Normalizer) degraded(reason string, raw any) {
	if n.Logger == nil {
		return
	}
	n.Logger.Debug("message normalization degraded",
		"reason", reason,
		"type", fmt.Sprintf("%T", raw),
	)
}

// Messages converts a sequence of heterogeneous elements. A non-sequence
// value is treated as a one-element sequence.
func (n Normalizer) Messages(raw any) []Message {
	switch v := raw.(type) {
	case nil:
		return nil
	case []Message:
		out := make([]Message, 0, len(v))
		for _, m := range v {
			out = append(out, n.Message(m))
		}
		return out
	case []any:
		out := make([]Message, 0, len(v))
		for _, el := range v {
			out = append(out, n.Message(el))
		}
		return out
	case json.RawMessage:
		return n.jsonMessages(v)
	case []byte:
		return n.jsonMessages(v)
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice {
		out := make([]Message, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, n.Message(rv.Index(i).Interface()))
		}
		return out
	}
	return []Message{n.Message(raw)}
}

func (n Normalizer) jsonMessages(b []byte) []Message {
	if !gjson.ValidBytes(b) {
		return []Message{n.Message(b)}
	}
	res := gjson.ParseBytes(b)
	if !res.IsArray() {
		return []Message{n.Message(b)}
	}
	elems := res.Array()
	out := make([]Message, 0, len(elems))
	for _, el := range elems {
		out = append(out, n.Message(json.RawMessage(el.Raw)))
	}
	return out
}

// Message converts a single element.
func (n Normalizer) Message(raw any) Message {
	switch v := raw.(type) {
	case Message:
		return n.canonical(v)
	case *Message:
		if v == nil {
			n.degraded("nil message", raw)
			return Message{Role: RoleUser}
		}
		return n.canonical(*v)
	case map[string]any:
		return n.fromFields(mapFields(v), raw)
	case json.RawMessage:
		return n.fromJSON(v)
	case []byte:
		return n.fromJSON(v)
	case [2]string:
		return n.fromPair(v[0], v[1])
	case []string:
		if len(v) == 2 {
			return n.fromPair(v[0], v[1])
		}
	case []any:
		if len(v) == 2 {
			return n.fromPair(fmt.Sprint(v[0]), contentString(v[1]))
		}
	case RoleContent:
		return n.fromPair(v.GetRole(), v.GetContent())
	case TypeContent:
		return n.fromPair(v.GetType(), v.GetContent())
	case string:
		return Message{Role: RoleUser, Content: v}
	case fmt.Stringer:
		return Message{Role: RoleUser, Content: v.String()}
	}
	n.degraded("unrecognized shape", raw)
	return Message{Role: RoleUser, Content: render(raw)}
}

// canonical applies the per-role field rules to an already typed message.
func (n Normalizer) canonical(m Message) Message {
	if !m.Role.Valid() {
		n.degraded("unknown role", m)
		return Message{Role: RoleUser, Content: renderUnknownRole(string(m.Role), m.Content)}
	}
	out := Message{Role: m.Role, Content: m.Content}
	switch m.Role {
	case RoleAssistant:
		out.ToolCalls = n.canonicalCalls(m.ToolCalls)
	case RoleTool:
		out.ToolCallID = m.ToolCallID
		out.Name = m.Name
	}
	return out
}

func (n Normalizer) fromPair(role, content string) Message {
	r, ok := roleFromString(role)
	if !ok {
		n.degraded("unknown role", role)
		return Message{Role: RoleUser, Content: renderUnknownRole(role, content)}
	}
	return Message{Role: r, Content: content}
}

// fields is the shape-independent view of a map or JSON object message.
type fields struct {
	role, typ  string
	hasRole    bool
	hasType    bool
	content    string
	toolCalls  any
	toolCallID string
	name       string
	rendering  string
}

func mapFields(m map[string]any) fields {
	var f fields
	if r, ok := m["role"]; ok {
		f.hasRole = true
		f.role = fmt.Sprint(r)
	}
	if t, ok := m["type"]; ok {
		f.hasType = true
		f.typ = fmt.Sprint(t)
	}
	f.content = contentString(m["content"])
	f.toolCalls = m["tool_calls"]
	f.toolCallID = stringField(m["tool_call_id"])
	f.name = stringField(m["name"])
	f.rendering = render(m)
	return f
}

func jsonFields(res gjson.Result) fields {
	var f fields
	if r := res.Get("role"); r.Exists() {
		f.hasRole = true
		f.role = r.String()
	}
	if t := res.Get("type"); t.Exists() {
		f.hasType = true
		f.typ = t.String()
	}
	f.content = jsonContent(res.Get("content"))
	if tc := res.Get("tool_calls"); tc.Exists() && tc.Type != gjson.Null {
		f.toolCalls = json.RawMessage(tc.Raw)
	}
	f.toolCallID = res.Get("tool_call_id").String()
	f.name = res.Get("name").String()
	f.rendering = res.Raw
	return f
}

func (n Normalizer) fromJSON(b []byte) Message {
	if !gjson.ValidBytes(b) {
		n.degraded("invalid json", b)
		return Message{Role: RoleUser, Content: string(b)}
	}
	res := gjson.ParseBytes(b)
	switch {
	case res.IsObject():
		return n.fromFields(jsonFields(res), b)
	case res.Type == gjson.String:
		return Message{Role: RoleUser, Content: res.String()}
	}
	n.degraded("json is not an object", b)
	return Message{Role: RoleUser, Content: res.Raw}
}

func (n Normalizer) fromFields(f fields, raw any) Message {
	var role Role
	switch {
	case f.hasRole:
		r, ok := roleFromString(f.role)
		if !ok {
			n.degraded("unknown role", raw)
			return Message{Role: RoleUser, Content: f.rendering}
		}
		role = r
	case f.hasType:
		r, ok := typeAliases[strings.ToLower(f.typ)]
		if !ok {
			n.degraded("unknown type tag", raw)
			return Message{Role: RoleUser, Content: f.rendering}
		}
		role = r
	default:
		n.degraded("no role or type", raw)
		return Message{Role: RoleUser, Content: f.rendering}
	}

	m := Message{Role: role, Content: f.content}
	switch role {
	case RoleAssistant:
		m.ToolCalls = n.ToolCalls(f.toolCalls)
	case RoleTool:
		m.ToolCallID = f.toolCallID
		m.Name = f.name
	}
	return m
}

// Sanitize is the last pass before messages reach the model transport:
// unknown roles become user renderings, assistant tool calls are
// re-canonicalized with empty lists removed, and a tool message that
// lost its call id is rendered as user text so the provider never sees
// an orphaned tool result.
func (n Normalizer) Sanitize(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() {
			n.degraded("unknown role", m)
			out = append(out, Message{Role: RoleUser, Content: renderUnknownRole(string(m.Role), m.Content)})
			continue
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			n.degraded("tool message without call id", m)
			out = append(out, Message{Role: RoleUser, Content: "[tool result] " + m.Content})
			continue
		}
		out = append(out, n.canonical(m))
	}
	return out
}

// ToolCall converts one raw tool call. Equivalent inputs always produce
// identical output, and canonical output maps onto itself.
func (n Normalizer) ToolCall(raw any) ToolCall {
	var id, name string
	var args any

	switch v := raw.(type) {
	case ToolCall:
		id, name, args = v.ID, v.Name, v.Arguments
	case *ToolCall:
		if v != nil {
			id, name, args = v.ID, v.Name, v.Arguments
		}
	case map[string]any:
		id, name, args = toolCallFromMap(v)
	case json.RawMessage:
		id, name, args = n.toolCallFromJSON(v)
	case []byte:
		id, name, args = n.toolCallFromJSON(v)
	case string:
		id, name, args = n.toolCallFromJSON([]byte(v))
	case ToolCallAccessor:
		name, args = v.ToolName(), v.ToolArguments()
		if withID, ok := v.(interface{ ToolCallID() string }); ok {
			id = withID.ToolCallID()
		}
	default:
		n.degraded("unrecognized tool call", raw)
	}

	canon, wrapped := canonicalArguments(args)
	if wrapped {
		n.degraded("tool arguments are not an object", args)
	}
	if id == "" {
		id = fabricateID(name, canon)
	}
	return ToolCall{ID: id, Name: name, Arguments: canon}
}

// ToolCalls converts a raw list. A single non-list value is treated as
// a one-element list. Duplicate ids within the list are made unique by
// suffixing "_2", "_3", and so on, which keeps them deterministic.
func (n Normalizer) ToolCalls(raw any) []ToolCall {
	var elems []any
	switch v := raw.(type) {
	case nil:
		return nil
	case []ToolCall:
		for _, tc := range v {
			elems = append(elems, tc)
		}
	case []any:
		elems = v
	case json.RawMessage:
		elems = jsonElems(v)
	case []byte:
		elems = jsonElems(v)
	default:
		rv := reflect.ValueOf(raw)
		if rv.Kind() == reflect.Slice {
			for i := 0; i < rv.Len(); i++ {
				elems = append(elems, rv.Index(i).Interface())
			}
		} else {
			elems = []any{raw}
		}
	}
	if len(elems) == 0 {
		return nil
	}

	out := make([]ToolCall, 0, len(elems))
	seen := make(map[string]bool, len(elems))
	for _, el := range elems {
		tc := n.ToolCall(el)
		if seen[tc.ID] {
			base := tc.ID
			for k := 2; ; k++ {
				cand := fmt.Sprintf("%s_%d", base, k)
				if !seen[cand] {
					tc.ID = cand
					break
				}
			}
		}
		seen[tc.ID] = true
		out = append(out, tc)
	}
	return out
}

func (n Normalizer) canonicalCalls(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	return n.ToolCalls(calls)
}

func jsonElems(b []byte) []any {
	if !gjson.ValidBytes(b) {
		return []any{b}
	}
	res := gjson.ParseBytes(b)
	if !res.IsArray() {
		return []any{json.RawMessage(res.Raw)}
	}
	var out []any
	for _, el := range res.Array() {
		out = append(out, json.RawMessage(el.Raw))
	}
	return out
}

func toolCallFromMap(m map[string]any) (id, name string, args any) {
	id = stringField(m["id"])
	name = stringField(m["name"])
	args = firstPresent(m, "args", "arguments", "input")
	if fn, ok := m["function"].(map[string]any); ok {
		if v, ok := fn["name"]; ok {
			name = stringField(v)
		}
		if a := firstPresent(fn, "arguments", "args", "input"); a != nil {
			args = a
		}
	}
	return id, name, args
}

func (n Normalizer) toolCallFromJSON(b []byte) (id, name string, args any) {
	if !gjson.ValidBytes(b) {
		n.degraded("invalid tool call json", b)
		return "", "", nil
	}
	res := gjson.ParseBytes(b)
	if !res.IsObject() {
		n.degraded("tool call json is not an object", b)
		return "", "", nil
	}
	id = res.Get("id").String()
	name = res.Get("name").String()
	args = jsonArgs(res, "args", "arguments", "input")
	if fn := res.Get("function"); fn.IsObject() {
		if v := fn.Get("name"); v.Exists() {
			name = v.String()
		}
		if a := jsonArgs(fn, "arguments", "args", "input"); a != nil {
			args = a
		}
	}
	return id, name, args
}

// jsonArgs returns the first present key as either a JSON document (for
// objects and arrays) or a plain string.
func jsonArgs(res gjson.Result, keys ...string) any {
	for _, k := range keys {
		v := res.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type == gjson.String {
			return v.String()
		}
		return json.RawMessage(v.Raw)
	}
	return nil
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

var canonicalOptions = func() pretty.Options {
	opts := *pretty.DefaultOptions
	opts.SortKeys = true
	return opts
}()

// CanonicalArguments renders tool-call arguments as canonical JSON text:
// object keys sorted and insignificant whitespace removed. Numbers with
// a fraction or exponent are printed the way encoding/json prints a
// float64, so "1.0", "1e0" and a native 1.0 agree; integer literals are
// kept as written so large ids survive. Absent or null arguments become
// "{}", and valid JSON that is not an object is wrapped as
// {"value":...}. Native values are JSON encoded first. A string that is
// not valid JSON is returned verbatim so the tool layer can report it.
func CanonicalArguments(v any) string {
	canon, _ := canonicalArguments(v)
	return canon
}

// canonicalArguments also reports whether a non-object value was wrapped.
func canonicalArguments(v any) (string, bool) {
	switch a := v.(type) {
	case nil:
		return "{}", false
	case string:
		return canonicalJSONText(a)
	case json.RawMessage:
		return canonicalJSONText(string(a))
	case []byte:
		return canonicalJSONText(string(a))
	}
	b, err := encodeJSON(v)
	if err != nil {
		return "{}", false
	}
	return canonicalJSONText(string(b))
}

func canonicalJSONText(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if t == "" || t == "null" {
		return "{}", false
	}
	if !gjson.Valid(t) {
		return s, false
	}
	ugly := string(pretty.Ugly(pretty.PrettyOptions([]byte(t), &canonicalOptions)))
	ugly = canonicalNumbers(ugly)
	if !gjson.Parse(ugly).IsObject() {
		return `{"value":` + ugly + `}`, true
	}
	return ugly, false
}

// canonicalNumbers rewrites every number literal outside strings in a
// valid, compact JSON document.
func canonicalNumbers(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
			case '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		if c != '-' && (c < '0' || c > '9') {
			b.WriteByte(c)
			continue
		}
		j := i
		for j < len(s) && strings.IndexByte("+-.eE0123456789", s[j]) >= 0 {
			j++
		}
		b.WriteString(canonicalNumber(s[i:j]))
		i = j - 1
	}
	return b.String()
}

func canonicalNumber(lit string) string {
	if !strings.ContainsAny(lit, ".eE") {
		return lit
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	out, err := json.Marshal(f)
	if err != nil {
		return lit
	}
	return string(out)
}

func fabricateID(name, canonicalArgs string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + canonicalArgs))
	return "tc_" + hex.EncodeToString(sum[:8])
}

func roleFromString(s string) (Role, bool) {
	r, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]
	return r, ok
}

func renderUnknownRole(role, content string) string {
	if role == "" {
		return content
	}
	return "[" + role + "] " + content
}

// contentString flattens message content. Multi-part content arrays
// (e.g. [{"type":"text","text":"..."}]) are joined by newlines.
func contentString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			if pm, ok := p.(map[string]any); ok {
				if text, ok := pm["text"].(string); ok {
					parts = append(parts, text)
					continue
				}
			}
			parts = append(parts, render(p))
		}
		return strings.Join(parts, "\n")
	}
	return render(v)
}

func jsonContent(res gjson.Result) string {
	switch {
	case !res.Exists() || res.Type == gjson.Null:
		return ""
	case res.Type == gjson.String:
		return res.String()
	case res.IsArray():
		var parts []string
		for _, p := range res.Array() {
			if text := p.Get("text"); p.IsObject() && text.Type == gjson.String {
				parts = append(parts, text.String())
				continue
			}
			parts = append(parts, p.Raw)
		}
		return strings.Join(parts, "\n")
	}
	return res.Raw
}

func stringField(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	return fmt.Sprint(v)
}

// render produces a best-effort text rendering: JSON when possible,
// fmt's %v otherwise.
func render(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	if b, err := encodeJSON(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
