package job

// Patch is the closed set of fields a partial update may touch.
// A nil field is left unchanged. Messages are appended, never replaced.
type Patch struct {
	Status   *Status
	Progress *int
	Messages []Message
	Error    *string
	Result   *Result
	Deleted  *bool
}

func (p Patch) WithStatus(s Status) Patch {
	p.Status = &s
	return p
}

func (p Patch) WithProgress(n int) Patch {
	p.Progress = &n
	return p
}

func (p Patch) WithMessages(msgs ...Message) Patch {
	p.Messages = append(p.Messages[:len(p.Messages):len(p.Messages)], msgs...)
	return p
}

func (p Patch) WithError(msg string) Patch {
	p.Error = &msg
	return p
}

func (p Patch) WithResult(r *Result) Patch {
	p.Result = r
	return p
}

func (p Patch) WithDeleted(d bool) Patch {
	p.Deleted = &d
	return p
}

func (p Patch) empty() bool {
	return p.Status == nil && p.Progress == nil && len(p.Messages) == 0 &&
		p.Error == nil && p.Result == nil && p.Deleted == nil
}

func clampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
