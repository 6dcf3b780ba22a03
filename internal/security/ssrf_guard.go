// Package security は外部フィード取得時の接続先検証を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// maxRedirects はフィード取得時に追従するリダイレクトの上限。
const maxRedirects = 5

// URLGuard はフィード取得先の検証と安全なHTTPクライアント生成を行う。
// フェッチ本体とウォームアップ要求の両方で使用される。
type URLGuard interface {
	// NewClient は内部ネットワークへの接続を拒否するHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的検証を行う。
	ValidateURL(rawURL string) error
}

// ErrTooManyRedirects はリダイレクト回数が上限を超えたことを表す。
var ErrTooManyRedirects = errors.New("リダイレクト回数が上限を超えました")

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するネットワーク範囲。
// 名前解決後のIPはsafeurlのDialer側で検証される。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

// blockedHostSuffixes は内部向けとみなすホスト名の接尾辞。
var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

// Guard はURLGuardの実装。
type Guard struct {
	allowedPorts []int
}

// NewGuard はhttp/httpsの標準ポートのみを許可するGuardを生成する。
func NewGuard() *Guard {
	return &Guard{allowedPorts: []int{80, 443}}
}

// NewClient はsafeurlでラップしたHTTPクライアントを生成する。
// リダイレクト先もValidateURLで検証し、maxRedirectsを超えると中断する。
func (g *Guard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	client := safeurl.Client(config).Client
	client.CheckRedirect = g.checkRedirect
	return client
}

func (g *Guard) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return ErrTooManyRedirects
	}
	return g.ValidateURL(req.URL.String())
}

// ValidateURL はスキーム、ホスト名、IPリテラルを検証する。
func (g *Guard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	if lower == "localhost" {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

var _ URLGuard = (*Guard)(nil)
