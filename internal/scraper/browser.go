package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Cookie is an opaque browser cookie, round-tripped through
// SessionStore between fetches against the same (site, identity).
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  float64
	HTTPOnly bool
	Secure   bool
}

// Browser drives one rendered-HTML fetch. Implementations own their
// own browser context; a Browser is not expected to be reused across
// concurrent fetches.
type Browser interface {
	// Fetch navigates to url, optionally seeding cookies first, and
	// returns the rendered page plus any cookies present afterward.
	Fetch(ctx context.Context, url string, cookies []Cookie, userAgent, proxyAddr string) (FetchResult, []Cookie, error)
	// InjectCaptchaToken runs whatever script the page's challenge
	// widget expects to receive a solved token, then waits briefly for
	// the page to settle.
	InjectCaptchaToken(ctx context.Context, token string) error
	Close()
}

// ChromeBrowser drives a real headless Chrome instance via chromedp,
// one allocator context per fetch so in-flight contexts never share
// browser state.
type ChromeBrowser struct {
	navigateTimeout time.Duration
}

// NewChromeBrowser builds a ChromeBrowser. navigateTimeout bounds a
// single Fetch call end to end.
func NewChromeBrowser(navigateTimeout time.Duration) *ChromeBrowser {
	return &ChromeBrowser{navigateTimeout: navigateTimeout}
}

func (b *ChromeBrowser) Fetch(ctx context.Context, url string, cookies []Cookie, userAgent, proxyAddr string) (FetchResult, []Cookie, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
	)
	if proxyAddr != "" {
		opts = append(opts, chromedp.ProxyServer(proxyAddr))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, timeoutCancel := context.WithTimeout(browserCtx, b.navigateTimeout)
	defer timeoutCancel()

	var statusCode int64
	var finalURL, body string

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == "Document" {
			statusCode = resp.Response.Status
		}
	})

	actions := []chromedp.Action{}
	for _, c := range cookies {
		actions = append(actions, network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).WithPath(c.Path).WithHTTPOnly(c.HTTPOnly).WithSecure(c.Secure))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &body),
	)

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return FetchResult{}, nil, fmt.Errorf("scraper: navigating to %s: %w", url, err)
	}

	var resultCookies []Cookie
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range raw {
			resultCookies = append(resultCookies, Cookie{
				Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
				Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure,
			})
		}
		return nil
	})); err != nil {
		return FetchResult{}, nil, fmt.Errorf("scraper: reading cookies from %s: %w", url, err)
	}

	return FetchResult{
		StatusCode: int(statusCode),
		Headers:    map[string]string{},
		Body:       body,
		FinalURL:   finalURL,
	}, resultCookies, nil
}

func (b *ChromeBrowser) InjectCaptchaToken(ctx context.Context, token string) error {
	script := fmt.Sprintf(`
		(function() {
			var el = document.getElementById('g-recaptcha-response') || document.querySelector('textarea[name="g-recaptcha-response"]');
			if (el) { el.innerHTML = %q; el.value = %q; }
		})();`, token, token)
	return chromedp.Run(ctx, chromedp.Evaluate(script, nil))
}

func (b *ChromeBrowser) Close() {}
