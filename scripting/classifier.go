package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wudi/gulagcleaner/cleaner"
	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/observability"
)

// ErrBadVerdict is returned when classify returns something other than a
// page type name.
var ErrBadVerdict = errors.New("classifier script returned an unknown page type")

// DefaultTimeout bounds one classify call.
const DefaultTimeout = time.Second

// ScriptClassifier is a cleaner.PageClassifier backed by a script defining
//
//	function classify(page) { return "Watermark" }
//
// page carries number, pageCount, contents (stream count), mediaBox and
// images ([{height, width}]). The global tables holds the built-in
// image size tables as [height, width] pairs.
type ScriptClassifier struct {
	mu      sync.Mutex
	engine  *GojaEngine
	timeout time.Duration
	logger  observability.Logger
}

type ClassifierOption func(*ScriptClassifier)

func WithTimeout(d time.Duration) ClassifierOption {
	return func(c *ScriptClassifier) { c.timeout = d }
}

// WithLogger receives app.log output at debug level.
func WithLogger(l observability.Logger) ClassifierOption {
	return func(c *ScriptClassifier) { c.logger = l }
}

// NewScriptClassifier evaluates source and checks that it defines classify.
func NewScriptClassifier(source string, opts ...ClassifierOption) (*ScriptClassifier, error) {
	c := &ScriptClassifier{
		engine:  NewEngine(),
		timeout: DefaultTimeout,
		logger:  observability.NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.engine.RegisterHost(logHost{c.logger}); err != nil {
		return nil, err
	}
	if err := c.engine.SetGlobal("tables", builtinTables()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.engine.Execute(ctx, source); err != nil {
		return nil, fmt.Errorf("load classifier script: %w", err)
	}
	if v, _ := c.engine.Execute(ctx, "typeof classify"); v != "function" {
		return nil, errors.New("classifier script must define function classify(page)")
	}
	return c, nil
}

// LoadScriptClassifier reads the script from path.
func LoadScriptClassifier(path string, opts ...ClassifierOption) (*ScriptClassifier, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewScriptClassifier(string(src), opts...)
}

func (c *ScriptClassifier) Classify(doc *document.Document, page int) (cleaner.PageType, error) {
	info, err := pageInfo(doc, page)
	if err != nil {
		return cleaner.Unclassifiable, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	out, err := c.engine.Call(ctx, "classify", info)
	if err != nil {
		return cleaner.Unclassifiable, err
	}
	name, _ := out.(string)
	kind, ok := cleaner.ParsePageType(name)
	if !ok {
		return cleaner.Unclassifiable, fmt.Errorf("%w: %v", ErrBadVerdict, out)
	}
	return kind, nil
}

func pageInfo(doc *document.Document, page int) (map[string]interface{}, error) {
	refs, err := doc.ContentRefs(page)
	if err != nil {
		return nil, err
	}
	dims, err := cleaner.PageImages(doc, page)
	if err != nil {
		return nil, err
	}
	images := make([]interface{}, len(dims))
	for i, d := range dims {
		images[i] = map[string]interface{}{"height": d.Height, "width": d.Width}
	}
	info := map[string]interface{}{
		"number":    page,
		"pageCount": doc.PageCount(),
		"contents":  len(refs),
		"images":    images,
	}
	if box, err := doc.Box(page, "MediaBox"); err == nil {
		info["mediaBox"] = []interface{}{box[0], box[1], box[2], box[3]}
	}
	return info, nil
}

func builtinTables() map[string]interface{} {
	pairs := func(dims []cleaner.ImageDims) []interface{} {
		out := make([]interface{}, len(dims))
		for i, d := range dims {
			out[i] = []interface{}{d.Height, d.Width}
		}
		return out
	}
	return map[string]interface{}{
		"logo":             pairs(cleaner.LogoDims),
		"horizontalBanner": pairs(cleaner.HorizontalBannerDims),
		"verticalBanner":   pairs(cleaner.VerticalBannerDims),
		"fullPage":         pairs(cleaner.FullPageDims),
	}
}

type logHost struct{ logger observability.Logger }

func (h logHost) Log(message string) {
	h.logger.Debug("classifier script", observability.String("message", message))
}
