package feedparse

import "strings"

// flexibleExtractor は最後の手段として、文書中のN番目のtitleとN-1番目のlinkを対にする。
// 先頭のtitleはフィード自体のタイトルとみなして読み飛ばす。
// 途中で切れた本文や壊れたマークアップでもタイトルとリンクを拾える。
type flexibleExtractor struct{}

func (flexibleExtractor) name() string           { return "flexible" }
func (flexibleExtractor) applies(*document) bool { return true }
func (flexibleExtractor) limit() int             { return heuristicLimit }

func (flexibleExtractor) extract(d *document) []rawEntry {
	root := d.tree()

	var titles []string
	for _, t := range root.findAllDeep("title") {
		if t.hasElementChildren() {
			continue
		}
		if text := strings.TrimSpace(t.innerText()); text != "" {
			titles = append(titles, text)
		}
	}

	var links []string
	for _, l := range root.findAllDeep("link") {
		v := strings.TrimSpace(l.innerText())
		if v == "" || l.hasElementChildren() {
			v = l.attr("href")
		}
		if v != "" {
			links = append(links, v)
		}
	}

	var raws []rawEntry
	for i := 1; i < len(titles) && i <= len(links); i++ {
		raws = append(raws, rawEntry{
			title: titles[i],
			link:  links[i-1],
		})
	}
	return raws
}
