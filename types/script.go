package types

// Scene is one step of a generated script
type Scene struct {
	Seq      int     `json:"seq"`
	Text     string  `json:"text"`
	Duration float64 `json:"duration,omitempty"`
	Anim     string  `json:"anim"`
	Layout   string  `json:"layout,omitempty"`
}

// Script is the artifact the generation service returns for a ready token
type Script struct {
	Title  string  `json:"title,omitempty"`
	Scenes []Scene `json:"scenes"`
}

// Ready reports whether the generation service has produced any scenes yet.
// A nil script is never ready.
func (s *Script) Ready() bool {
	return s != nil && len(s.Scenes) > 0
}

// CountReady returns the number of non-empty slots
func CountReady(scripts []*Script) int {
	n := 0
	for _, s := range scripts {
		if s.Ready() {
			n++
		}
	}
	return n
}

// Compact drops empty slots while keeping slot order
func Compact(scripts []*Script) []*Script {
	out := make([]*Script, 0, len(scripts))
	for _, s := range scripts {
		if s.Ready() {
			out = append(out, s)
		}
	}
	return out
}

// CompactTokens drops empty token slots while keeping slot order
func CompactTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// GenerationConfig is passed through to the generation service untouched.
type GenerationConfig struct {
	Topic            string `json:"topic"`
	Quality          string `json:"quality,omitempty"`
	TTSProvider      string `json:"tts_provider,omitempty"`
	Voice            string `json:"voice,omitempty"`
	EnableParallel   bool   `json:"enable_parallel"`
	MaxTTSWorkers    int    `json:"max_tts_workers,omitempty"`
	MaxRenderWorkers int    `json:"max_render_workers,omitempty"`
	UseThinking      bool   `json:"use_thinking"`
	UseBatch         bool   `json:"use_batch"`
}

// WithTopic returns a copy of the config targeting topic
func (c GenerationConfig) WithTopic(topic string) GenerationConfig {
	c.Topic = topic
	return c
}
