package loadbalance

import (
	"math/rand/v2"

	"duplex-rpc/registry"

	"github.com/juju/errors"
)

// WeightedRandom picks an instance with probability proportional to its
// weight. Instances without a weight count as weight 1.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weight(v)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return nil, errors.New("weighted selection fell through")
}

func (b *WeightedRandom) Name() string {
	return "WeightedRandom"
}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
