package loadbalance

import (
	"math/rand/v2"

	"github.com/samber/lo"

	"remote-signal/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}

	// 计算总权重，非正权重按 0 处理
	weight := func(inst registry.Instance) int { return max(inst.Weight, 0) }
	totalWeight := lo.SumBy(instances, weight)
	if totalWeight == 0 {
		// 全部为 0 时退化为均匀随机
		return instances[rand.IntN(len(instances))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for _, v := range instances {
		r -= weight(v)
		if r < 0 {
			return v, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
