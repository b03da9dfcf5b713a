// Package security はWebhook送信先の検証と、マーチャント入力のサニタイズを提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrUnsafeURL はWebhook送信先として受け付けられないURLを示す。
var ErrUnsafeURL = errors.New("unsafe webhook url")

// SSRFGuardService はWebhook送信先に対するSSRF防止機能のインターフェース。
// マーチャント登録時のURL検証と、配信時のHTTPクライアントの両方で使用される。
type SSRFGuardService interface {
	// NewSafeClient はプライベートアドレスへの接続をDNS解決後に拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client
	// ValidateURL はURLの安全性を事前に検証する。
	ValidateURL(rawURL string) error
}

var (
	webhookSchemes = []string{"http", "https"}
	webhookPorts   = []int{80, 443}

	// 静的検証で拒否するアドレス帯。配信時はsafeurlが解決後のIPで同等の検査を行う。
	blockedPrefixes = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("169.254.0.0/16"), // クラウドメタデータ 169.254.169.254 を含む
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("fe80::/10"),
	}

	blockedHosts = []string{"localhost", "metadata.google.internal"}
)

// SSRFGuard はSSRFGuardServiceの実装。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// Webhook配信はリダイレクトを追わない。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(webhookSchemes...).
		SetAllowedPorts(webhookPorts...).
		Build()

	client := safeurl.Client(config).Client
	client.CheckRedirect = noRedirect
	return client
}

// NewTrustedClient は運用者が設定した送信先（WEBHOOK_URL）向けのクライアントを生成する。
// アドレス制限はかけないが、リダイレクトは追わない。
func (g *SSRFGuard) NewTrustedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: noRedirect,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
// 返すエラーはすべてErrUnsafeURLをラップする。
// DNS再バインディングはNewSafeClientのDialer側で防止される。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(webhookSchemes, scheme) {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrUnsafeURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrUnsafeURL)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafeURL)
	}

	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || !slices.Contains(webhookPorts, n) {
			return fmt.Errorf("%w: port %s is not allowed", ErrUnsafeURL, p)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: blocked address %s", ErrUnsafeURL, addr)
		}
		return nil
	}

	if isBlockedHost(host) {
		return fmt.Errorf("%w: blocked host %s", ErrUnsafeURL, host)
	}
	return nil
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isBlockedHost は *.localhost を含むブロック対象のホスト名かを判定する。
func isBlockedHost(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	return strings.HasSuffix(h, ".localhost") || slices.Contains(blockedHosts, h)
}

// compile-time interface check
var _ SSRFGuardService = (*SSRFGuard)(nil)
