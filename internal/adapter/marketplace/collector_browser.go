package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// DefaultExtractScript reads the item from common meta tags. Real deployments
// supply their own script through configuration.
const DefaultExtractScript = `(function() {
	var meta = function(name) {
		var el = document.querySelector('meta[property="' + name + '"]') ||
		         document.querySelector('meta[name="' + name + '"]');
		return el ? el.getAttribute('content') : '';
	};
	var images = [];
	document.querySelectorAll('meta[property="og:image"]').forEach(function(el) {
		images.push(el.getAttribute('content'));
	});
	return {
		found: !!meta('og:title'),
		title: meta('og:title'),
		description: meta('og:description'),
		price: meta('product:price:amount') || '0',
		shipping: meta('product:shipping_cost:amount') || '0',
		status: meta('product:availability') || 'available',
		blocked: document.title.toLowerCase().indexOf('captcha') >= 0,
		images: images
	};
})()`

type BrowserOptions struct {
	BaseURL       string
	ExtractScript string
	SettleDelay   time.Duration
	ChromeBin     string
	UserAgent     string
}

// BrowserCollector renders item pages in headless Chrome and runs an
// extraction script on them. One browser is shared across fetches.
type BrowserCollector struct {
	baseURL     string
	script      string
	settle      time.Duration
	marketplace string

	once        sync.Once
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	opts        []chromedp.ExecAllocatorOption
}

type browserItem struct {
	Found       bool     `json:"found"`
	Blocked     bool     `json:"blocked"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       string   `json:"price"`
	Shipping    string   `json:"shipping"`
	Status      string   `json:"status"`
	Images      []string `json:"images"`
}

func NewBrowserCollector(marketplace string, opts BrowserOptions) (*BrowserCollector, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	script := opts.ExtractScript
	if strings.TrimSpace(script) == "" {
		script = DefaultExtractScript
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = 2 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(ua),
	)
	bin := opts.ChromeBin
	if bin == "" {
		bin = findChromeBinary()
	}
	if bin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(bin))
	}

	return &BrowserCollector{
		baseURL:     base,
		script:      script,
		settle:      settle,
		marketplace: marketplace,
		opts:        allocOpts,
	}, nil
}

func (b *BrowserCollector) start() {
	b.once.Do(func() {
		b.allocCtx, b.cancelAlloc = chromedp.NewExecAllocator(context.Background(), b.opts...)
		b.browserCtx, b.cancel = chromedp.NewContext(b.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	})
}

// Close shuts the browser down.
func (b *BrowserCollector) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancelAlloc()
	}
}

func (b *BrowserCollector) Fetch(ctx context.Context, sourceRef string) (domain.SourceSnapshot, error) {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindNotFound, "empty source ref")
	}
	b.start()

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	// tie the tab to the caller's deadline and cancellation
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	pageURL := b.baseURL + "/" + url.PathEscape(ref)
	var raw []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(b.settle),
		chromedp.Evaluate(b.script, &raw),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindTimeout, ctxErr)
			}
			return domain.SourceSnapshot{}, ctxErr
		}
		return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindTransient, fmt.Errorf("chromedp extract: %w", err))
	}

	return b.parse(ref, pageURL, raw)
}

func (b *BrowserCollector) parse(ref, pageURL string, raw []byte) (domain.SourceSnapshot, error) {
	var item browserItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindParseError, err)
	}
	if item.Blocked {
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindBlocked, "challenge page served for %s", ref)
	}
	if !item.Found {
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindNotFound, "source item %s not found", ref)
	}

	price, err := parsePrice(item.Price)
	if err != nil {
		return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindParseError, err)
	}
	shipping, err := parsePrice(item.Shipping)
	if err != nil {
		return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindParseError, err)
	}

	payload := itemPayload{
		URL:         pageURL,
		Title:       item.Title,
		Description: item.Description,
		Price:       price,
		Shipping:    shipping,
		Images:      item.Images,
		Status:      normalizeAvailability(item.Status),
	}
	if err := validateItem(payload); err != nil {
		return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindParseError, err)
	}
	return payload.snapshot(ref, b.marketplace), nil
}

func normalizeAvailability(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "", strings.Contains(s, "instock"), strings.Contains(s, "in stock"), s == "available":
		return "available"
	case strings.Contains(s, "sold"), strings.Contains(s, "outofstock"), strings.Contains(s, "out of stock"):
		return "sold_out"
	}
	return s
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
