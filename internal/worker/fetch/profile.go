package fetch

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultBaseDelay はプロファイル切り替え前の待機時間の基準値。
const defaultBaseDelay = 2 * time.Second

// RequestProfile はフェッチ時に送るヘッダーの組を表す。
// Accept-Encodingは指定しない（net/httpの透過的なgzip展開を使うため）。
type RequestProfile struct {
	Name    string            `yaml:"name"`
	Headers map[string]string `yaml:"headers"`
}

// HostRule は特定ホスト向けの追加プロファイルとアクセス方針を表す。
// Matchはホスト名そのもの、またはそのサブドメインに一致する。
type HostRule struct {
	Match     string           `yaml:"match"`
	Profiles  []RequestProfile `yaml:"profiles"`
	WarmUp    bool             `yaml:"warm_up"`
	BaseDelay time.Duration    `yaml:"base_delay"`
}

// ProfileSet は既定プロファイルとホスト別ルールの集合。
type ProfileSet struct {
	Defaults  []RequestProfile `yaml:"defaults"`
	Hosts     []HostRule       `yaml:"hosts"`
	BaseDelay time.Duration    `yaml:"base_delay"`
}

// FetchPlan は1つのSourceに対するフェッチ計画。
type FetchPlan struct {
	Profiles  []RequestProfile
	WarmUp    bool
	BaseDelay time.Duration
}

// For はSourceのホストに一致するルールのプロファイルを既定プロファイルの前に連結した計画を返す。
func (s *ProfileSet) For(sourceURL string) FetchPlan {
	plan := FetchPlan{BaseDelay: s.BaseDelay}
	if plan.BaseDelay <= 0 {
		plan.BaseDelay = defaultBaseDelay
	}

	if rule, ok := s.match(sourceURL); ok {
		plan.Profiles = append(plan.Profiles, rule.Profiles...)
		plan.WarmUp = rule.WarmUp
		if rule.BaseDelay > 0 {
			plan.BaseDelay = rule.BaseDelay
		}
	}
	plan.Profiles = append(plan.Profiles, s.Defaults...)
	return plan
}

func (s *ProfileSet) match(sourceURL string) (HostRule, bool) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return HostRule{}, false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, rule := range s.Hosts {
		m := strings.ToLower(rule.Match)
		if host == m || strings.HasSuffix(host, "."+m) {
			return rule, true
		}
	}
	return HostRule{}, false
}

// LoadProfileSet は組み込みのプロファイルにYAMLファイルの内容を重ねて返す。
// pathが空の場合は組み込みのプロファイルをそのまま返す。
// ファイルのdefaultsが空でなければ既定プロファイルを置き換え、
// hostsは同じmatchのルールを置き換えるか末尾に追加する。
func LoadProfileSet(path string) (*ProfileSet, error) {
	set := DefaultProfileSet()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("プロファイル設定ファイルの読み込みに失敗しました: %w", err)
	}

	var override ProfileSet
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("プロファイル設定ファイルの解析に失敗しました: %w", err)
	}

	if len(override.Defaults) > 0 {
		set.Defaults = override.Defaults
	}
	if override.BaseDelay > 0 {
		set.BaseDelay = override.BaseDelay
	}
	for _, rule := range override.Hosts {
		if rule.Match == "" {
			return nil, fmt.Errorf("プロファイル設定ファイルにmatchのないホストルールがあります")
		}
		replaced := false
		for i := range set.Hosts {
			if strings.EqualFold(set.Hosts[i].Match, rule.Match) {
				set.Hosts[i] = rule
				replaced = true
				break
			}
		}
		if !replaced {
			set.Hosts = append(set.Hosts, rule)
		}
	}
	return set, nil
}

const (
	chromeDesktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
	chromeSecChUA   = `"Not_A Brand";v="8", "Chromium";v="121", "Google Chrome";v="121"`
	htmlAccept      = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	feedAccept      = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
)

// DefaultProfileSet は組み込みのプロファイル集合を返す。
// 呼び出しごとに新しい値を返すため、呼び出し側で変更してよい。
func DefaultProfileSet() *ProfileSet {
	return &ProfileSet{
		BaseDelay: defaultBaseDelay,
		Defaults: []RequestProfile{
			{
				Name: "chrome-desktop",
				Headers: map[string]string{
					"User-Agent":                chromeDesktopUA,
					"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
					"Accept-Language":           "zh-CN,zh;q=0.9,en;q=0.8,zh-TW;q=0.7",
					"Upgrade-Insecure-Requests": "1",
					"Sec-Fetch-Dest":            "document",
					"Sec-Fetch-Mode":            "navigate",
					"Sec-Fetch-Site":            "none",
					"Sec-Fetch-User":            "?1",
					"Sec-Ch-Ua":                 chromeSecChUA,
					"Sec-Ch-Ua-Mobile":          "?0",
					"Sec-Ch-Ua-Platform":        `"Windows"`,
					"Cache-Control":             "max-age=0",
				},
			},
			{
				Name: "firefox-desktop",
				Headers: map[string]string{
					"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
					"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
					"Accept-Language":           "zh-CN,zh;q=0.8,zh-TW;q=0.7,zh-HK;q=0.5,en-US;q=0.3,en;q=0.2",
					"Upgrade-Insecure-Requests": "1",
					"Sec-Fetch-Dest":            "document",
					"Sec-Fetch-Mode":            "navigate",
					"Sec-Fetch-Site":            "none",
				},
			},
			{
				Name: "feed-reader",
				Headers: map[string]string{
					"User-Agent":      "NewsBlur Feed Fetcher - www.newsblur.com",
					"Accept":          feedAccept,
					"Accept-Language": "en-US,en;q=0.5",
				},
			},
			{
				Name: "chrome-mobile",
				Headers: map[string]string{
					"User-Agent":         "Mozilla/5.0 (Linux; Android 13; SM-G991B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Mobile Safari/537.36",
					"Accept":             htmlAccept,
					"Accept-Language":    "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
					"Sec-Fetch-Dest":     "document",
					"Sec-Fetch-Mode":     "navigate",
					"Sec-Ch-Ua":          chromeSecChUA,
					"Sec-Ch-Ua-Mobile":   "?1",
					"Sec-Ch-Ua-Platform": `"Android"`,
				},
			},
			{
				Name: "crawler",
				Headers: map[string]string{
					"User-Agent": "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
					"Accept":     "*/*",
				},
			},
		},
		Hosts: []HostRule{
			{
				Match:     "hostloc.com",
				WarmUp:    true,
				BaseDelay: 5 * time.Second,
				Profiles: []RequestProfile{
					{
						Name: "hostloc-session",
						Headers: map[string]string{
							"User-Agent":      chromeDesktopUA,
							"Accept":          htmlAccept,
							"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
							"Referer":         "https://www.hostloc.com/",
							"Origin":          "https://www.hostloc.com",
							"Sec-Fetch-Dest":  "document",
							"Sec-Fetch-Mode":  "navigate",
							"Sec-Fetch-Site":  "same-origin",
							"Sec-Ch-Ua":       chromeSecChUA,
						},
					},
					{
						Name: "hostloc-feed-reader",
						Headers: map[string]string{
							"User-Agent":      "Tiny Tiny RSS/23.12 (https://tt-rss.org/)",
							"Accept":          feedAccept,
							"Accept-Language": "zh-CN,zh;q=0.9",
							"Referer":         "https://hostloc.com/forum.php",
						},
					},
					{
						Name: "hostloc-legacy-browser",
						Headers: map[string]string{
							"User-Agent":                "Mozilla/5.0 (Windows NT 6.1; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
							"Accept":                    htmlAccept,
							"Accept-Language":           "zh-CN,zh;q=0.8,en-US;q=0.5,en;q=0.3",
							"Referer":                   "https://hostloc.com/",
							"Upgrade-Insecure-Requests": "1",
						},
					},
				},
			},
			{
				Match:     "linux.do",
				WarmUp:    true,
				BaseDelay: 5 * time.Second,
				Profiles: []RequestProfile{
					{
						Name: "discourse-xhr",
						Headers: map[string]string{
							"User-Agent":        chromeDesktopUA,
							"Accept":            feedAccept,
							"Accept-Language":   "zh-CN,zh;q=0.9,en;q=0.8",
							"Referer":           "https://linux.do/latest",
							"Origin":            "https://linux.do",
							"Sec-Fetch-Dest":    "empty",
							"Sec-Fetch-Mode":    "cors",
							"Sec-Fetch-Site":    "same-origin",
							"X-Requested-With":  "XMLHttpRequest",
							"Discourse-Present": "true",
						},
					},
					{
						Name: "discourse-feed-reader",
						Headers: map[string]string{
							"User-Agent":      "FreshRSS/1.21.0 (Linux; https://freshrss.org)",
							"Accept":          feedAccept,
							"Accept-Language": "en-US,en;q=0.5",
							"Referer":         "https://linux.do/",
						},
					},
					{
						Name: "discourse-mobile",
						Headers: map[string]string{
							"User-Agent":                "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
							"Accept":                    htmlAccept,
							"Accept-Language":           "zh-CN,zh-Hans;q=0.9",
							"Referer":                   "https://linux.do/",
							"Upgrade-Insecure-Requests": "1",
						},
					},
				},
			},
		},
	}
}
