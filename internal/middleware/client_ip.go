package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
)

// NewClientIPMiddleware はレート制限とログで使うクライアントIPを確定するミドルウェアを返す。
//
// 接続元が信頼済みプロキシの場合に限りX-Forwarded-Forを右から辿り、
// 信頼済みでない最初のアドレスをRemoteAddrに設定する。
// それ以外の接続ではX-Forwarded-ForやX-Real-IPを一切参照しない。
// trustedが空なら何もしない。
func NewClientIPMiddleware(trusted []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseAddr(r.RemoteAddr)
			if !ok || !isTrustedProxy(trusted, peer) {
				next.ServeHTTP(w, r)
				return
			}
			if ip, ok := forwardedClient(trusted, r.Header.Values("X-Forwarded-For")); ok {
				r.RemoteAddr = ip.String()
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClient はX-Forwarded-Forの右端から信頼済みプロキシを読み飛ばし、
// 最初に現れた信頼済みでないアドレスを返す。左側はクライアントが自由に書けるため読まない。
func forwardedClient(trusted []netip.Prefix, values []string) (netip.Addr, bool) {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}

	for _, hop := range slices.Backward(hops) {
		addr, ok := parseAddr(strings.TrimSpace(hop))
		if !ok {
			return netip.Addr{}, false
		}
		if !isTrustedProxy(trusted, addr) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// parseAddr は "ip" と "ip:port" のどちらも受け付ける。
func parseAddr(s string) (netip.Addr, bool) {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrustedProxy(trusted []netip.Prefix, addr netip.Addr) bool {
	return slices.ContainsFunc(trusted, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}
