package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/hitoshi/portaldesk/internal/model"
)

// MaxFileNameLength は添付ファイル名の最大文字数。
const MaxFileNameLength = 255

// AttachmentGuard は添付ファイル参照の検証機能のインターフェースを定義する。
type AttachmentGuard interface {
	// Check は添付ファイルのURLを検証する。無効な場合は*model.APIErrorを返す。
	Check(ctx context.Context, file model.FileRef) error
}

// allowedSchemes は添付ファイルURLで許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は添付ファイルURLとして拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// attachmentGuard はAttachmentGuardの実装。
// probeClientがnilでなければ、静的検証の後にHEADリクエストで到達性を確認する。
type attachmentGuard struct {
	probeClient *http.Client
}

// NewAttachmentGuard はAttachmentGuardの新しいインスタンスを生成する。
// probeがtrueの場合、safeurlのクライアントでURLの到達性も確認する。
// safeurlはDNS解決後のIPアドレスも検証するため、DNS再バインディングも防止される。
func NewAttachmentGuard(probe bool, timeout time.Duration) *attachmentGuard {
	g := &attachmentGuard{}
	if probe {
		config := safeurl.GetConfigBuilder().
			SetTimeout(timeout).
			SetAllowedSchemes(allowedSchemes...).
			SetAllowedPorts(80, 443).
			Build()
		g.probeClient = safeurl.Client(config).Client
	}
	return g
}

// Check は添付ファイルのURLを検証する。
func (g *attachmentGuard) Check(ctx context.Context, file model.FileRef) error {
	if len([]rune(file.Name)) > MaxFileNameLength {
		return model.NewInvalidAttachmentError("ファイル名が長すぎます")
	}
	if err := validateURL(file.URL); err != nil {
		return model.NewInvalidAttachmentError(err.Error())
	}
	if g.probeClient == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, file.URL, nil)
	if err != nil {
		return model.NewInvalidAttachmentError(err.Error())
	}
	resp, err := g.probeClient.Do(req)
	if err != nil {
		return model.NewInvalidAttachmentError("URLに到達できません")
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return model.NewInvalidAttachmentError(fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}

// validateURL はDNS解決を伴わない静的な検証を行う。
func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
