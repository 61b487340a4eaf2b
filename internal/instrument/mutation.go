package instrument

import (
	"pagewatch/internal/logger"
	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"
)

// watchMutations 观察整个文档子树的结构变更，每批最多上报前 MaxMutationSummaries 条
func watchMutations(doc *page.Document, s Sender, log logger.Logger) (*page.MutationObserver, error) {
	if doc == nil {
		return nil, ErrUnavailable
	}
	obs := page.NewMutationObserver(func(records []page.MutationRecord) {
		safely(log, "mutations", func() {
			if items := summarize(records); len(items) > 0 {
				s.Send(domain.NewMutationsEvent(items))
			}
		})
	})
	if err := obs.Observe(doc.Root(), page.ObserveOptions{ChildList: true, Subtree: true}); err != nil {
		return nil, err
	}
	return obs, nil
}

// summarize 按批内顺序取前 MaxMutationSummaries 条记录，其余丢弃
func summarize(records []page.MutationRecord) []domain.MutationSummary {
	n := min(len(records), domain.MaxMutationSummaries)
	items := make([]domain.MutationSummary, 0, n)
	for _, r := range records[:n] {
		item := domain.MutationSummary{Type: r.Type, Added: len(r.AddedNodes)}
		if r.Target != nil {
			item.Target = r.Target.NodeName
		}
		items = append(items, item)
	}
	return items
}
