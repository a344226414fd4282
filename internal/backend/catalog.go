// Package backend resolves which completion backend serves a user: one of
// the operator-provisioned built-in models or a user-registered custom
// endpoint.
package backend

type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindCustom  Kind = "custom"
)

// BuiltinModel is an operator-provisioned backend whose credential comes
// from process configuration, never from users.
type BuiltinModel struct {
	Name     string
	Provider string
	Model    string
}

// builtins is the fixed catalog; the first entry is the default for users
// who never picked one.
var builtins = []BuiltinModel{
	{Name: "gpt-4o", Provider: "openai", Model: "gpt-4o"},
	{Name: "claude-sonnet", Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
	{Name: "gemini-flash", Provider: "gemini", Model: "gemini-1.5-flash-latest"},
}

func Builtins() []BuiltinModel {
	out := make([]BuiltinModel, len(builtins))
	copy(out, builtins)
	return out
}

func DefaultBuiltin() BuiltinModel {
	return builtins[0]
}

func BuiltinByName(name string) (BuiltinModel, bool) {
	for _, b := range builtins {
		if b.Name == name {
			return b, true
		}
	}
	return BuiltinModel{}, false
}

// CustomAPI is a user-registered OpenAI-compatible endpoint. EncSecret
// holds the vault envelope; the plaintext key exists only transiently at
// dispatch time.
type CustomAPI struct {
	ID        int64
	Label     string
	Endpoint  string
	Model     string
	EncSecret string
}

// Config names exactly one backend. Kind selects which pointer is set.
type Config struct {
	Kind    Kind
	Builtin *BuiltinModel
	Custom  *CustomAPI
}

func (c Config) Describe() string {
	switch c.Kind {
	case KindBuiltin:
		return c.Builtin.Name
	case KindCustom:
		return c.Custom.Label
	default:
		return "unknown"
	}
}
