package ir

// StackState is the persisted row form of a stack plus one row per resource
// record. The engine writes it after every state transition; the storage
// backend owns the bytes.
type StackState struct {
	Name           string       `json:"name"`
	ID             string       `json:"id"`
	Action         Action       `json:"action"`
	Status         Status       `json:"status"`
	StatusReason   string       `json:"status_reason,omitempty"`
	TimeoutMinutes int          `json:"timeout_minutes"`
	Rollback       bool         `json:"rollback_on_failure"`
	TraversalID    string       `json:"traversal_id,omitempty"`
	Resources      []*RecordRow `json:"resources"`
}

// RecordRow is the persisted form of one resource record.
type RecordRow struct {
	Name         string            `json:"name"`
	UUID         string            `json:"uuid"`
	Type         string            `json:"type"`
	Action       Action            `json:"action"`
	Status       Status            `json:"status"`
	StatusReason string            `json:"status_reason,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Definition   *Definition       `json:"definition"`
}

// Row converts a record to its persisted form. The row carries its own copy
// of the data map so marshaling never races with a task still writing it.
func (r *Record) Row() *RecordRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := make(map[string]string, len(r.data))
	for k, v := range r.data {
		data[k] = v
	}
	return &RecordRow{
		Name:         r.Name,
		UUID:         r.UUID,
		Type:         r.definition.Type,
		Action:       r.action,
		Status:       r.status,
		StatusReason: r.statusReason,
		ResourceID:   r.resourceID,
		Data:         data,
		Definition:   r.definition,
	}
}

// Restore converts a persisted row back to a live record.
func (row *RecordRow) Restore() *Record {
	rec := NewRecord(row.Name, row.Definition)
	if row.UUID != "" {
		rec.UUID = row.UUID
	}
	rec.resourceID = row.ResourceID
	if row.Data != nil {
		rec.data = row.Data
	}
	rec.SetState(row.Action, row.Status, row.StatusReason)
	return rec
}
