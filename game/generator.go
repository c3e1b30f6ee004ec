// game/generator.go
package game

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/wfunc/snitch/models"
)

// Generator 负责生成和补充共享球列
// 随机源由调用方注入，便于测试时使用固定种子
type Generator struct {
	rand    *rand.Rand
	mutex   sync.Mutex
	counter uint64
}

// NewGenerator 创建球列生成器
func NewGenerator(src rand.Source) *Generator {
	return &Generator{rand: rand.New(src)}
}

// Generate 生成 count 个球，每个球独立地以固定概率为红球
func (g *Generator) Generate(count int) []models.Quaffle {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	row := make([]models.Quaffle, 0, count)
	for i := 0; i < count; i++ {
		row = append(row, g.generateOne())
	}
	return row
}

// Refill 追加新球直到球列达到 targetCount
// 不截断、不重排已有的球
func (g *Generator) Refill(row []models.Quaffle, targetCount int) []models.Quaffle {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	capacity := targetCount
	if len(row) > capacity {
		capacity = len(row)
	}
	out := make([]models.Quaffle, len(row), capacity)
	copy(out, row)
	for len(out) < targetCount {
		out = append(out, g.generateOne())
	}
	return out
}

func (g *Generator) generateOne() models.Quaffle {
	g.counter++
	t := models.QuaffleNeutral
	if g.rand.Float64() < models.RedQuaffleProbability {
		t = models.QuaffleRed
	}
	return models.Quaffle{
		ID:   fmt.Sprintf("q_%d", g.counter),
		Type: t,
	}
}
