package nearby

import "sort"

// IDGenerator 围绕目标 ID 生成对称的候选 ID 区间
//
// offset = 0 时包含目标 ID 本身及距离 1..W 的邻居；offset > 0 时生成距离
// offset+1..offset+W 的区间。调用方每次按 Step() 推进 offset，即可保证
// 各波次互不重叠且逐步远离目标。
type IDGenerator struct {
	halfWidth int
}

// NewIDGenerator 按目标结果数推导区间半宽 W = max(1, targetSize/2)，targetSize 超过 MaxTargetSize 时按上限计
func NewIDGenerator(targetSize int) *IDGenerator {
	w := min(targetSize, MaxTargetSize) / 2
	if w < 1 {
		w = 1
	}
	return &IDGenerator{halfWidth: w}
}

// Step 每个波次 offset 的推进量
func (g *IDGenerator) Step() int {
	return g.halfWidth
}

// Generate 生成候选 ID，按与目标的距离升序排列，距离相同按数值升序
func (g *IDGenerator) Generate(targetID int64, offset int, exclude map[int64]struct{}) []int64 {
	if offset < 0 {
		offset = 0
	}
	from := int64(offset) + 1
	if offset == 0 {
		from = 0
	}
	to := int64(offset) + int64(g.halfWidth)

	var ids []int64
	add := func(id int64) {
		if id <= 0 {
			return
		}
		if _, skip := exclude[id]; skip {
			return
		}
		ids = append(ids, id)
	}

	for d := from; d <= to; d++ {
		if d == 0 {
			add(targetID)
			continue
		}
		add(targetID - d)
		add(targetID + d)
	}

	SortByDistance(ids, targetID)
	return ids
}

// SortByDistance 按与 target 的距离升序排序，距离相同按数值升序
func SortByDistance(ids []int64, target int64) {
	sort.Slice(ids, func(i, j int) bool {
		di, dj := distance(ids[i], target), distance(ids[j], target)
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
}
