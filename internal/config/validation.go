package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var secretPattern = regexp.MustCompile(`^[a-zA-Z0-9]{52}$`)

const (
	minCacheSizeInMebibytes = 1024
	minGracefulShutdownWait = 15 * time.Second
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if !secretPattern.MatchString(g.ClientSecret) {
		return newFieldError("Global.ClientSecret", "必须是 52 位字母数字")
	}
	if g.ClientPort <= 0 || g.ClientPort > 65535 {
		return newFieldError("Global.ClientPort", "必须在 1-65535")
	}
	if g.ClientExternalPort < 0 || g.ClientExternalPort > 65535 {
		return newFieldError("Global.ClientExternalPort", "必须在 0-65535")
	}
	if g.MaxCacheSizeInMebibytes < minCacheSizeInMebibytes {
		return newFieldError("Global.MaxCacheSizeInMebibytes", fmt.Sprintf("不能小于 %d", minCacheSizeInMebibytes))
	}
	if g.MaxMebibytesPerHour < 0 {
		return newFieldError("Global.MaxMebibytesPerHour", "不能为负数")
	}
	if g.MaxKilobitsPerSecond < 0 {
		return newFieldError("Global.MaxKilobitsPerSecond", "不能为负数")
	}
	if g.MaxConnections < 0 {
		return newFieldError("Global.MaxConnections", "不能为负数")
	}
	if g.GracefulShutdownWait.DurationValue() < minGracefulShutdownWait {
		return newFieldError("Global.GracefulShutdownWait", "不能小于 15s")
	}
	if g.CacheDir == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	for _, domain := range g.AllowedReferers {
		if err := validateDomain(domain); err != nil {
			return fmt.Errorf("Global.AllowedReferers: %w", err)
		}
	}

	if c.Control.Address != "" {
		if err := validateUpstream(c.Control.Address); err != nil {
			return fmt.Errorf("%s: %w", controlField("Address"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
