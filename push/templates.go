package push

import (
	"embed"
	"io/fs"
	"path"
	"regexp"
	"strings"
)

//go:embed templates
var embeddedTemplates embed.FS

// DefaultTemplates returns the built-in template tree, laid out as
// <language>/<name>.plain and <language>/<name>.html.
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Message is a rendered notification: the first template line is the
// subject, the rest the body. The plain body feeds the push payload; the
// HTML body is rendered for channels that can carry markup.
type Message struct {
	Subject   string
	PlainBody string
	HTMLBody  string
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// renderTemplate substitutes {{var}} references from the bag. Unknown
// variables render empty.
func renderTemplate(tpl string, bag map[string]string) string {
	return templateVar.ReplaceAllStringFunc(tpl, func(m string) string {
		key := templateVar.FindStringSubmatch(m)[1]
		return bag[key]
	})
}

func splitSubject(rendered string) (subject, body string) {
	rendered = strings.TrimRight(rendered, "\n")
	if i := strings.IndexByte(rendered, '\n'); i >= 0 {
		return strings.TrimSpace(rendered[:i]), strings.TrimSpace(rendered[i+1:])
	}
	return strings.TrimSpace(rendered), ""
}

// renderMessage loads and renders both variants of one template.
func renderMessage(tfs fs.FS, language, name string, bag map[string]string) (*Message, error) {
	plain, err := fs.ReadFile(tfs, path.Join(language, name+".plain"))
	if err != nil {
		return nil, err
	}
	html, err := fs.ReadFile(tfs, path.Join(language, name+".html"))
	if err != nil {
		return nil, err
	}
	subject, plainBody := splitSubject(renderTemplate(string(plain), bag))
	_, htmlBody := splitSubject(renderTemplate(string(html), bag))
	return &Message{Subject: subject, PlainBody: plainBody, HTMLBody: htmlBody}, nil
}
