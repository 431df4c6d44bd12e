package followup

import (
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

// TemplateVars maps lower-cased placeholder names to their values.
type TemplateVars map[string]string

// Set stores value under the normalized form of name.
func (v TemplateVars) Set(name, value string) {
	v[normalizeTag(name)] = value
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Vars returns the fixed placeholder set for the lead plus its custom fields.
// Custom fields never shadow the fixed placeholders.
func (l LeadProfile) Vars() TemplateVars {
	vars := TemplateVars{}
	for name, value := range l.CustomFields {
		vars.Set(name, value)
	}
	fullName := strings.TrimSpace(l.FirstName + " " + l.LastName)
	vars.Set("first_name", l.FirstName)
	vars.Set("firstname", l.FirstName)
	vars.Set("name", l.FirstName)
	vars.Set("last_name", l.LastName)
	vars.Set("lastname", l.LastName)
	vars.Set("full_name", fullName)
	vars.Set("fullname", fullName)
	vars.Set("company", l.Company)
	vars.Set("email", l.Email)
	vars.Set("phone", l.Phone)
	vars.Set("position", l.Position)
	return vars
}

// Render substitutes every {{tag}} found in vars, matching tag names
// case-insensitively. Unknown tags and malformed templates come back verbatim.
func Render(template string, vars TemplateVars) string {
	out, err := fasttemplate.ExecuteFuncStringWithErr(template, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if value, ok := vars[normalizeTag(tag)]; ok {
			return w.Write([]byte(value))
		}
		return w.Write([]byte("{{" + tag + "}}"))
	})
	if err != nil {
		return template
	}
	return out
}
