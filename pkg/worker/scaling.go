package worker

import "time"

// ScalingPolicy is the control-loop input for pool sizing.
type ScalingPolicy struct {
	MinWorkers         int           `yaml:"min_workers"`
	MaxWorkers         int           `yaml:"max_workers"`
	ScaleUpThreshold   int           `yaml:"scale_up_threshold"`
	ScaleDownThreshold int           `yaml:"scale_down_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
}

// DesiredSize computes the target worker count from the queue backlog and
// current idle headroom, clamped to [MinWorkers, MaxWorkers]. Scale-down
// holds at MinWorkers rather than chasing headroom.
func (p ScalingPolicy) DesiredSize(queueLength, currentWorkers, idleWorkers int) int {
	desired := currentWorkers

	switch {
	case queueLength >= p.ScaleUpThreshold && p.ScaleUpThreshold > 0:
		desired = currentWorkers + (queueLength-idleWorkers+p.ScaleUpThreshold-1)/p.ScaleUpThreshold
	case queueLength <= p.ScaleDownThreshold && idleWorkers > 0:
		desired = p.MinWorkers
	}

	if desired < p.MinWorkers {
		desired = p.MinWorkers
	}
	if p.MaxWorkers > 0 && desired > p.MaxWorkers {
		desired = p.MaxWorkers
	}
	return desired
}
