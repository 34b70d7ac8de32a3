package browser

import (
	"context"
	"fmt"
	"strings"

	"sidekick/internal/logging"
	"sidekick/internal/nonfatal"
	"sidekick/internal/panel"
	"sidekick/internal/prompt"
	"sidekick/internal/surface"

	"github.com/go-rod/rod"
)

const extractTextJS = `() => {
	const body = document.body;
	if (!body) return '';
	return body.innerText || body.textContent || '';
}`

// PageReader extracts tab text over CDP.
type PageReader struct {
	env *Environment
}

// NewPageReader creates a reader over env.
func NewPageReader(env *Environment) *PageReader {
	return &PageReader{env: env}
}

// ReadPage returns the tab's text as markdown, with its URL and title. The
// rendered innerText is used when the document cannot be converted.
// Browser-internal pages cannot be read.
func (r *PageReader) ReadPage(ctx context.Context, tab surface.TabID) (panel.Page, error) {
	page, err := r.env.Page(ctx, tab)
	if err != nil {
		return panel.Page{}, err
	}
	info, err := page.Info()
	if err != nil {
		return panel.Page{}, fmt.Errorf("%w: %s", surface.ErrTabNotFound, tab)
	}
	out := panel.Page{URL: info.URL, Title: info.Title}
	if isRestrictedURL(info.URL) {
		return out, fmt.Errorf("cannot read restricted page %s", info.URL)
	}

	if doc, err := page.HTML(); err == nil {
		if text, err := htmlToMarkdown(doc); err == nil && text != "" {
			out.Text = text
		}
	}
	if out.Text == "" {
		res, err := page.Eval(extractTextJS)
		if err != nil {
			return out, fmt.Errorf("extract page text: %w", err)
		}
		out.Text = strings.TrimSpace(res.Value.Str())
	}
	logging.BrowserDebug("read %d chars from tab %s", len(out.Text), tab)
	return out, nil
}

func isRestrictedURL(url string) bool {
	for _, prefix := range []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"edge://",
		"about:",
		"view-source:",
	} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// PageRenderer draws the chat into the panel page through the page's
// window.sidekick helpers.
type PageRenderer struct {
	page *rod.Page
}

// NewPageRenderer renders into page.
func NewPageRenderer(page *rod.Page) *PageRenderer {
	return &PageRenderer{page: page}
}

func (r *PageRenderer) call(fn string, args ...interface{}) {
	_, err := r.page.Eval(`(fn, ...args) => window.sidekick && window.sidekick[fn](...args)`, append([]interface{}{fn}, args...)...)
	nonfatal.Do(logging.CategoryBrowser, "render "+fn, err)
}

func (r *PageRenderer) AddMessage(role prompt.Role, text string) { r.call("add", string(role), text) }
func (r *PageRenderer) UpdateMessage(text string)                { r.call("update", text) }
func (r *PageRenderer) Notice(text string)                       { r.call("notice", text) }
func (r *PageRenderer) SetContext(url string)                    { r.call("context", url) }

// Attach tells the panel page which tab it is, so its requests reach the
// right instance.
func (r *PageRenderer) Attach(tab surface.TabID) error {
	if err := r.page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for panel page: %w", err)
	}
	_, err := r.page.Eval(`(tab) => { window.sidekick && window.sidekick.attach(tab) }`, tab)
	return err
}

var _ panel.Renderer = (*PageRenderer)(nil)
var _ panel.PageReader = (*PageReader)(nil)
