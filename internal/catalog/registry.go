package catalog

// Filter restricts which models a selection may return.
type Filter func(Capability) bool

// Common filters.
var (
	Any       Filter = func(Capability) bool { return true }
	Coder     Filter = func(c Capability) bool { return c.IsCoder }
	Reasoning Filter = func(c Capability) bool { return c.HasReasoning }
	General   Filter = func(c Capability) bool { return !c.IsCoder }
)

// Preference lists used by the workflow, highest priority first.
var (
	DefaultPreference    = []string{"qwen-coder", "deepseek-r1-llama", "openai-large", "gemini-thinking", "openai"}
	GenerationPreference = []string{"qwen-coder", "deepseek-r1-llama"}
	GeneralPreference    = []string{"openai-large", "gemini-thinking", "openai"}
	PlanningPreference   = []string{"deepseek-r1-llama", "qwen-reasoning", "gemini-thinking", "openai-reasoning"}
	FixPreference        = []string{"qwen-coder", "deepseek-r1-llama", "openai-large", "gemini-thinking", "openai-reasoning"}
)

// Registry holds the capability records derived from one model list. It is
// rebuilt wholesale on every refresh and never mutated afterwards.
type Registry struct {
	caps  map[string]Capability
	order []string
}

// NewRegistry analyzes every descriptor. Duplicate names keep the first entry.
func NewRegistry(models []Descriptor) *Registry {
	r := &Registry{caps: make(map[string]Capability, len(models))}
	for _, d := range models {
		if d.Name == "" {
			continue
		}
		if _, dup := r.caps[d.Name]; dup {
			continue
		}
		r.caps[d.Name] = Analyze(d)
		r.order = append(r.order, d.Name)
	}
	return r
}

// Len returns the number of known models.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Capability returns the record for id.
func (r *Registry) Capability(id string) (Capability, bool) {
	if r == nil {
		return Capability{}, false
	}
	c, ok := r.caps[id]
	return c, ok
}

// IDs returns model ids in list order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Select returns the first id of preference that is available and passes
// filter. Otherwise it returns the highest scoring model passing filter, with
// ties broken by id. ok is false when nothing qualifies.
func (r *Registry) Select(filter Filter, preference []string) (id string, ok bool) {
	if r == nil {
		return "", false
	}
	if filter == nil {
		filter = Any
	}
	for _, p := range preference {
		if c, found := r.caps[p]; found && filter(c) {
			return p, true
		}
	}

	var candidates []string
	for _, id := range r.order {
		if filter(r.caps[id]) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sortByScore(candidates, r.caps)
	return candidates[0], true
}

// Categories is a presentation view of the registry.
type Categories struct {
	Coder     []Capability `json:"coder"`
	Reasoning []Capability `json:"reasoning"`
	Vision    []Capability `json:"vision"`
	General   []Capability `json:"general"`
}

// Categorize buckets models by capability, each bucket sorted by descending
// score. A model appears in every bucket it qualifies for; General holds the
// models that fit no other bucket.
func (r *Registry) Categorize() Categories {
	if r == nil {
		return Categories{}
	}
	var coder, reasoning, vision, general []string
	for _, id := range r.IDs() {
		c := r.caps[id]
		if c.IsCoder {
			coder = append(coder, id)
		}
		if c.HasReasoning {
			reasoning = append(reasoning, id)
		}
		if c.IsVision {
			vision = append(vision, id)
		}
		if !c.IsCoder && !c.HasReasoning && !c.IsVision {
			general = append(general, id)
		}
	}
	return Categories{
		Coder:     r.records(coder),
		Reasoning: r.records(reasoning),
		Vision:    r.records(vision),
		General:   r.records(general),
	}
}

func (r *Registry) records(ids []string) []Capability {
	sortByScore(ids, r.caps)
	out := make([]Capability, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.caps[id])
	}
	return out
}
