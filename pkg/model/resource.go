package model

type Resource struct {
	MilliCPU int64 `json:"milli_cpu" yaml:"milli_cpu"`
	Memory   int64 `json:"memory" yaml:"memory"`
}

func (r Resource) Add(other Resource) Resource {
	return Resource{MilliCPU: r.MilliCPU + other.MilliCPU, Memory: r.Memory + other.Memory}
}

func (r Resource) Sub(other Resource) Resource {
	return Resource{MilliCPU: r.MilliCPU - other.MilliCPU, Memory: r.Memory - other.Memory}
}

// Fits 判断 r 能否装进 capacity
func (r Resource) Fits(capacity Resource) bool {
	return r.MilliCPU <= capacity.MilliCPU && r.Memory <= capacity.Memory
}
