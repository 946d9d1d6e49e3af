package browser

import (
	"encoding/json"
	"fmt"
)

// maxTextChars caps the readable-text fallback so a huge page cannot blow
// up the result frame.
const maxTextChars = 50000

// extractionJS builds the JavaScript evaluated inside the target tab. The
// script never throws: every failure is reported through the "error" field
// of the returned JSON string.
func extractionJS(spec ExtractionSpec) string {
	selector, _ := json.Marshal(spec.Selector)
	fields, _ := json.Marshal(spec.Fields)
	return fmt.Sprintf(`(function() {
  var MAX = %d;
  var selector = %s;
  var fields = %s;
  var all = %t;

  function fail(msg) {
    return JSON.stringify({title: document.title, url: location.href, error: msg});
  }

  var roots;
  if (selector) {
    roots = Array.prototype.slice.call(document.querySelectorAll(selector));
    if (roots.length === 0) return fail('selector matched nothing: ' + selector);
    if (!all) roots = roots.slice(0, 1);
  } else {
    if (!document.body) return fail('document has no body');
    roots = [document.body];
  }

  function textOf(el) {
    var t = (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim();
    return t.length > MAX ? t.slice(0, MAX) + '[truncated]' : t;
  }

  function extractOne(root) {
    if (fields && Object.keys(fields).length > 0) {
      var row = {};
      for (var name in fields) {
        var el = root.querySelector(fields[name]);
        row[name] = el ? textOf(el) : null;
      }
      return row;
    }
    return {text: textOf(root)};
  }

  var items = roots.map(extractOne);
  return JSON.stringify({
    title: document.title,
    url: location.href,
    items: all ? items : undefined,
    item: all ? undefined : items[0]
  });
})()`, maxTextChars, selector, fields, spec.All)
}
