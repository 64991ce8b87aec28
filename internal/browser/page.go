package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/model"
)

// Page is the slice of a browser tab the driver uses. Selector arguments
// are CSS selector lists.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	Has(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Input(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context) error
	// LastText and LastHTML read the last element matching selector, or ""
	// when nothing matches.
	LastText(ctx context.Context, selector string) (string, error)
	LastHTML(ctx context.Context, selector string) (string, error)
	// Links returns anchors matching selector inside the last element
	// matching scope (the whole document when scope is empty).
	Links(ctx context.Context, scope, selector string) ([]model.Source, error)
	Cookies(ctx context.Context) ([]model.Cookie, error)
	SetCookies(ctx context.Context, cookies []model.Cookie) error
	Storage(ctx context.Context) (local, session map[string]string, err error)
	SetStorage(ctx context.Context, local, session map[string]string) error
	Close() error
}

type rodPage struct {
	page *rod.Page
}

func (r *rodPage) Navigate(ctx context.Context, url string) error {
	p := r.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	if err := p.WaitLoad(); err != nil {
		return eris.Wrapf(err, "browser: wait load %s", url)
	}
	return nil
}

func (r *rodPage) Reload(ctx context.Context) error {
	p := r.page.Context(ctx)
	if err := p.Reload(); err != nil {
		return eris.Wrap(err, "browser: reload")
	}
	return p.WaitLoad()
}

func (r *rodPage) Title(ctx context.Context) (string, error) {
	res, err := r.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", eris.Wrap(err, "browser: title")
	}
	return res.Value.Str(), nil
}

func (r *rodPage) Has(ctx context.Context, selector string) (bool, error) {
	ok, _, err := r.page.Context(ctx).Has(selector)
	if err != nil {
		return false, eris.Wrapf(err, "browser: has %s", selector)
	}
	return ok, nil
}

func (r *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	ok, el, err := r.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, eris.Wrapf(err, "browser: find %s", selector)
	}
	if !ok {
		return nil, eris.Errorf("browser: no element for %s", selector)
	}
	return el, nil
}

func (r *rodPage) Click(ctx context.Context, selector string) error {
	el, err := r.element(ctx, selector)
	if err != nil {
		return err
	}
	return eris.Wrap(el.Click(proto.InputMouseButtonLeft, 1), "browser: click")
}

func (r *rodPage) Input(ctx context.Context, selector, text string) error {
	el, err := r.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return eris.Wrap(err, "browser: focus input")
	}
	return eris.Wrap(el.Input(text), "browser: type prompt")
}

func (r *rodPage) PressEnter(ctx context.Context) error {
	return eris.Wrap(r.page.Context(ctx).Keyboard.Type(input.Enter), "browser: press enter")
}

func (r *rodPage) last(ctx context.Context, selector string) (*rod.Element, error) {
	els, err := r.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, eris.Wrapf(err, "browser: elements %s", selector)
	}
	if len(els) == 0 {
		return nil, nil
	}
	return els[len(els)-1], nil
}

func (r *rodPage) LastText(ctx context.Context, selector string) (string, error) {
	el, err := r.last(ctx, selector)
	if err != nil || el == nil {
		return "", err
	}
	text, err := el.Text()
	return text, eris.Wrap(err, "browser: element text")
}

func (r *rodPage) LastHTML(ctx context.Context, selector string) (string, error) {
	el, err := r.last(ctx, selector)
	if err != nil || el == nil {
		return "", err
	}
	html, err := el.HTML()
	return html, eris.Wrap(err, "browser: element html")
}

const linksJS = `(scope, selector) => {
	let root = document;
	if (scope) {
		const roots = document.querySelectorAll(scope);
		if (roots.length === 0) return "[]";
		root = roots[roots.length - 1];
	}
	const out = [];
	for (const a of root.querySelectorAll(selector)) {
		const href = a.href || a.getAttribute("href") || "";
		if (!href.startsWith("http")) continue;
		out.push({url: href, title: (a.innerText || a.title || "").trim().slice(0, 300)});
	}
	return JSON.stringify(out);
}`

func (r *rodPage) Links(ctx context.Context, scope, selector string) ([]model.Source, error) {
	res, err := r.page.Context(ctx).Eval(linksJS, scope, selector)
	if err != nil {
		return nil, eris.Wrap(err, "browser: collect links")
	}
	var links []model.Source
	if err := json.Unmarshal([]byte(res.Value.Str()), &links); err != nil {
		return nil, eris.Wrap(err, "browser: decode links")
	}
	return links, nil
}

func (r *rodPage) Cookies(ctx context.Context) ([]model.Cookie, error) {
	cookies, err := r.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, eris.Wrap(err, "browser: get cookies")
	}
	return fromRodCookies(cookies), nil
}

func (r *rodPage) SetCookies(ctx context.Context, cookies []model.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	return eris.Wrap(r.page.Context(ctx).SetCookies(toRodCookies(cookies)), "browser: set cookies")
}

const snapshotStorageJS = `() => {
	const dump = (s) => {
		const out = {};
		try {
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				out[k] = s.getItem(k);
			}
		} catch (e) {}
		return out;
	};
	return JSON.stringify({local: dump(localStorage), session: dump(sessionStorage)});
}`

const restoreStorageJS = `(local, session) => {
	try { Object.entries(JSON.parse(local || "{}")).forEach(([k, v]) => localStorage.setItem(k, v)); } catch (e) {}
	try { Object.entries(JSON.parse(session || "{}")).forEach(([k, v]) => sessionStorage.setItem(k, v)); } catch (e) {}
}`

func (r *rodPage) Storage(ctx context.Context) (map[string]string, map[string]string, error) {
	res, err := r.page.Context(ctx).Eval(snapshotStorageJS)
	if err != nil {
		return nil, nil, eris.Wrap(err, "browser: snapshot storage")
	}
	var out struct {
		Local   map[string]string `json:"local"`
		Session map[string]string `json:"session"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return nil, nil, eris.Wrap(err, "browser: decode storage")
	}
	return out.Local, out.Session, nil
}

func (r *rodPage) SetStorage(ctx context.Context, local, session map[string]string) error {
	l, err := json.Marshal(local)
	if err != nil {
		return eris.Wrap(err, "browser: encode local storage")
	}
	s, err := json.Marshal(session)
	if err != nil {
		return eris.Wrap(err, "browser: encode session storage")
	}
	_, err = r.page.Context(ctx).Eval(restoreStorageJS, string(l), string(s))
	return eris.Wrap(err, "browser: restore storage")
}

func (r *rodPage) Close() error {
	return r.page.Close()
}

func fromRodCookies(in []*proto.NetworkCookie) []model.Cookie {
	out := make([]model.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		mc := model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if c.Expires > 0 {
			mc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, mc)
	}
	return out
}

func toRodCookies(in []model.Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(in))
	for _, c := range in {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		out = append(out, p)
	}
	return out
}
