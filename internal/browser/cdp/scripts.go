package cdp

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

// TagAttribute marks nodes handed out as driver.Element values.
const TagAttribute = "data-stagehand-id"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// prelude resolves frame paths and tags nodes. %s is the JSON encoded
// attribute name, the second %s the JSON encoded id prefix.
const prelude = `const __sh = {
  attr: %s,
  prefix: %s,
  sel(id) { return '[' + this.attr + '="' + id + '"]'; },
  doc(path) {
    let doc = document, dx = 0, dy = 0;
    for (const id of path) {
      const f = doc.querySelector(this.sel(id));
      if (!f) throw new Error('stale: frame ' + id + ' is gone');
      let d = null;
      try { d = f.contentDocument; } catch (e) { d = null; }
      if (!d) throw new Error('frame ' + id + ' is not same-origin');
      const r = f.getBoundingClientRect();
      dx += r.left + f.clientLeft;
      dy += r.top + f.clientTop;
      doc = d;
    }
    return {doc, dx, dy};
  },
  el(path, id) {
    const s = this.doc(path);
    const el = s.doc.querySelector(this.sel(id));
    if (!el || !el.isConnected) throw new Error('stale: element ' + id + ' is gone');
    return {el, dx: s.dx, dy: s.dy};
  },
  tag(node, doc) {
    let id = node.getAttribute(this.attr);
    if (!id) {
      const w = doc.defaultView || window;
      w.__stagehandSeq = (w.__stagehandSeq || 0) + 1;
      id = this.prefix + '-' + w.__stagehandSeq;
      node.setAttribute(this.attr, id);
    }
    return id;
  }
};`

// wrap turns body into an expression that always evaluates to an envelope
// object, so script errors come back as values rather than exceptions.
func wrap(prefix, body string) string {
	var b strings.Builder
	b.WriteString("(() => {\n")
	fmt.Fprintf(&b, prelude, jsString(TagAttribute), jsString(prefix))
	b.WriteString("\ntry {\nconst __v = (() => {\n")
	b.WriteString(body)
	b.WriteString("\n})();\nreturn {ok: true, value: __v === undefined ? null : __v};\n")
	b.WriteString("} catch (e) {\nconst m = String((e && e.message) || e);\n")
	b.WriteString("return {ok: false, error: m, stale: m.startsWith('stale:')};\n}\n})()")
	return b.String()
}

// elementScript runs body with el bound to the tagged node and dx/dy holding
// the offset of its document within the top-level viewport.
func elementScript(prefix string, el driver.Element, body string) string {
	return wrap(prefix, fmt.Sprintf("const __r = __sh.el(%s, %s);\nreturn (function (el, dx, dy) {\n%s\n})(__r.el, __r.dx, __r.dy);",
		jsPath(el.Path), jsString(el.ID), body))
}

// findScript tags every node matching loc within the frame path and returns
// their ids in document order.
func findScript(prefix string, path []string, loc driver.Locator) string {
	body := fmt.Sprintf(`const s = __sh.doc(%s);
const doc = s.doc;
const sel = %s;
let nodes = [];
if (%t) {
  const r = doc.evaluate(sel, doc, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
  for (let i = 0; i < r.snapshotLength; i++) {
    const n = r.snapshotItem(i);
    if (n && n.nodeType === 1) nodes.push(n);
  }
} else {
  nodes = Array.from(doc.querySelectorAll(sel));
}
return nodes.map(n => __sh.tag(n, doc));`, jsPath(path), jsString(loc.Selector), loc.By == driver.ByXPath)
	return wrap(prefix, body)
}

const stateBody = `const r = el.getBoundingClientRect();
const view = el.ownerDocument.defaultView || window;
const cs = view.getComputedStyle(el);
const visible = cs.display !== 'none' && cs.visibility !== 'hidden' &&
  parseFloat(cs.opacity || '1') > 0 && el.getClientRects().length > 0;
let obscured = false;
if (visible && r.width > 0 && r.height > 0) {
  const cx = r.left + r.width / 2, cy = r.top + r.height / 2;
  if (cx >= 0 && cy >= 0 && cx <= view.innerWidth && cy <= view.innerHeight) {
    const hit = el.ownerDocument.elementFromPoint(cx, cy);
    obscured = !(hit && (hit === el || el.contains(hit)));
  }
}
return {
  attached: el.isConnected,
  visible: visible,
  enabled: !el.disabled && el.getAttribute('aria-disabled') !== 'true',
  obscured: obscured,
  rect: {x: r.left + dx, y: r.top + dy, width: r.width, height: r.height},
  tag: el.tagName.toLowerCase(),
  type: (el.getAttribute('type') || '').toLowerCase()
};`

const scrollIfNeededBody = `const r = el.getBoundingClientRect();
const view = el.ownerDocument.defaultView || window;
if (r.top < 0 || r.left < 0 || r.bottom > view.innerHeight || r.right > view.innerWidth) {
  el.scrollIntoView({block: 'center', inline: 'center'});
}
return true;`

const scrollBody = `el.scrollIntoView({block: 'center', inline: 'center'});
return true;`

const textBody = `return (el.innerText !== undefined ? el.innerText : el.textContent) || '';`

const valueBody = `if ('value' in el) return String(el.value == null ? '' : el.value);
if (el.isContentEditable) return el.textContent || '';
return '';`

const focusBody = `el.focus();
return el.ownerDocument.activeElement === el;`

const clearBody = `if ('value' in el) { el.value = ''; } else if (el.isContentEditable) { el.textContent = ''; }
return true;`

// setValueBody uses the prototype setter so frameworks that shadow the
// value property still observe the assignment on the next input event.
const setValueBody = `const proto = Object.getPrototypeOf(el);
const desc = proto && Object.getOwnPropertyDescriptor(proto, 'value');
if (desc && desc.set) { desc.set.call(el, value); }
else if ('value' in el) { el.value = value; }
else if (el.isContentEditable) { el.textContent = value; }
else { throw new Error('element has no value'); }
return true;`

const dispatchBody = `const view = el.ownerDocument.defaultView || window;
let ev;
if (name === 'click') {
  ev = new view.MouseEvent('click', {bubbles: true, cancelable: true, view: view});
} else if (name === 'blur' || name === 'focus') {
  ev = new view.FocusEvent(name, {bubbles: false});
} else {
  ev = new view.Event(name, {bubbles: true, cancelable: true});
}
el.dispatchEvent(ev);
return true;`

const ancestorBody = `const a = el.parentElement && el.parentElement.closest(css);
if (!a) return null;
return __sh.tag(a, a.ownerDocument);`

const releaseBody = `el.removeAttribute(__sh.attr);
return true;`

const frameBody = `const tag = el.tagName.toLowerCase();
if (tag !== 'iframe' && tag !== 'frame') throw new Error('element is a ' + tag + ', not a frame');
let d = null;
try { d = el.contentDocument; } catch (e) { d = null; }
if (!d) throw new Error('frame is not same-origin');
return true;`

const attributeBody = `const v = el.getAttribute(name);
return v == null ? '' : v;`

type envelope struct {
	OK    bool                `json:"ok"`
	Value jsoniter.RawMessage `json:"value"`
	Error string              `json:"error"`
	Stale bool                `json:"stale"`
}

// decode unwraps an envelope produced by wrap.
func decode(raw []byte) ([]byte, error) {
	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	if env.Stale {
		return nil, fmt.Errorf("%w: %s", driver.ErrStaleElement, strings.TrimPrefix(env.Error, "stale: "))
	}
	if !env.OK {
		if env.Error == "" {
			return nil, errors.New("script failed without a message")
		}
		return nil, errors.New(env.Error)
	}
	if len(env.Value) == 0 {
		return []byte("null"), nil
	}
	return env.Value, nil
}

type stateResult struct {
	Attached bool        `json:"attached"`
	Visible  bool        `json:"visible"`
	Enabled  bool        `json:"enabled"`
	Obscured bool        `json:"obscured"`
	Rect     driver.Rect `json:"rect"`
	Tag      string      `json:"tag"`
	Type     string      `json:"type"`
}

func (s stateResult) toState() driver.ElementState {
	return driver.ElementState{
		Attached: s.Attached,
		Visible:  s.Visible,
		Enabled:  s.Enabled,
		Obscured: s.Obscured,
		Rect:     s.Rect,
		Tag:      s.Tag,
		Type:     s.Type,
	}
}

// bindArgs prefixes body with const declarations for each argument.
func bindArgs(body string, args ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, "const %s = %s;\n", args[i], jsString(args[i+1]))
	}
	b.WriteString(body)
	return b.String()
}

func jsString(s string) string {
	out, err := codec.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(out)
}

func jsPath(path []string) string {
	if len(path) == 0 {
		return "[]"
	}
	out, err := codec.Marshal(path)
	if err != nil {
		return "[]"
	}
	return string(out)
}
