package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var allowedActorTypes = map[string]bool{
	string(ActorUser):  true,
	string(ActorAgent): true,
	string(ActorCI):    true,
}

var topLevelFields = map[string]bool{
	"id": true, "schema": true, "type": true, "ts": true, "ingestTs": true,
	"source": true, "runId": true, "actor": true, "ctx": true, "payload": true,
	"hashMeta": true,
}

// Validate checks an arbitrary structured value (typically decoded from
// JSON as map[string]any, but a *AnalyticsEventV1 is accepted directly
// too) against the kb.v1 schema. It never panics; every violation is
// returned as a ValidationError instead.
func Validate(v any) (*AnalyticsEventV1, []*ValidationError) {
	raw, ok := toMap(v)
	if !ok {
		return nil, []*ValidationError{NewValidationError("$", fmt.Errorf("%w: expected an object", ErrInvalidSchema))}
	}

	var failures []*ValidationError
	for k := range raw {
		if !topLevelFields[k] {
			failures = append(failures, NewValidationError(k, ErrUnknownField))
		}
	}

	ev := &AnalyticsEventV1{}

	id, ok := stringField(raw, "id")
	if !ok || id == "" {
		failures = append(failures, NewValidationError("id", ErrMissingField))
	} else if _, err := uuid.Parse(id); err != nil {
		failures = append(failures, NewValidationError("id", ErrInvalidUUID))
	} else {
		ev.ID = id
	}

	schema, _ := stringField(raw, "schema")
	if schema != Schema {
		failures = append(failures, NewValidationError("schema", ErrInvalidSchema))
	} else {
		ev.Schema = schema
	}

	typ, ok := stringField(raw, "type")
	if !ok || typ == "" {
		failures = append(failures, NewValidationError("type", ErrMissingField))
	} else {
		ev.Type = typ
	}

	ts, ok := stringField(raw, "ts")
	if !ok || !isRFC3339WithOffset(ts) {
		failures = append(failures, NewValidationError("ts", ErrInvalidTime))
	} else {
		ev.TS = ts
	}

	ingestTS, ok := stringField(raw, "ingestTs")
	if !ok || !isRFC3339WithOffset(ingestTS) {
		failures = append(failures, NewValidationError("ingestTs", ErrInvalidTime))
	} else {
		ev.IngestTS = ingestTS
	}

	src, srcOK := validateSource(raw["source"])
	if !srcOK {
		failures = append(failures, NewValidationError("source", ErrMissingField))
	} else {
		ev.Source = src
	}

	runID, ok := stringField(raw, "runId")
	if !ok || runID == "" {
		failures = append(failures, NewValidationError("runId", ErrMissingField))
	} else {
		ev.RunID = runID
	}

	if rawActor, present := raw["actor"]; present && rawActor != nil {
		actor, err := validateActor(rawActor)
		if err != nil {
			failures = append(failures, NewValidationError("actor", err))
		} else {
			ev.Actor = actor
		}
	}

	if rawCtx, present := raw["ctx"]; present && rawCtx != nil {
		ctxMap, ok := toMap(rawCtx)
		if !ok {
			failures = append(failures, NewValidationError("ctx", fmt.Errorf("%w: expected an object", ErrInvalidCtxType)))
		} else if err := validateCtxValues(ctxMap); err != nil {
			failures = append(failures, NewValidationError("ctx", err))
		} else {
			ev.Ctx = ctxMap
		}
	}

	if rawPayload, present := raw["payload"]; present {
		ev.Payload = rawPayload
	}

	if rawHash, present := raw["hashMeta"]; present && rawHash != nil {
		hm, ok := toMap(rawHash)
		if !ok {
			failures = append(failures, NewValidationError("hashMeta", ErrInvalidHash))
		} else {
			algo, _ := stringField(hm, "algo")
			saltID, _ := stringField(hm, "saltId")
			if algo != HashAlgo || saltID == "" {
				failures = append(failures, NewValidationError("hashMeta", ErrInvalidHash))
			} else {
				ev.HashMeta = &HashMeta{Algo: algo, SaltID: saltID}
			}
		}
	}

	if len(failures) > 0 {
		return nil, failures
	}
	return ev, nil
}

func toMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case *AnalyticsEventV1:
		return eventToMap(t), true
	case AnalyticsEventV1:
		return eventToMap(&t), true
	default:
		return nil, false
	}
}

func eventToMap(e *AnalyticsEventV1) map[string]any {
	m := map[string]any{
		"id": e.ID, "schema": e.Schema, "type": e.Type,
		"ts": e.TS, "ingestTs": e.IngestTS, "runId": e.RunID,
		"source": map[string]any{"product": e.Source.Product, "version": e.Source.Version},
	}
	if e.Actor != nil {
		m["actor"] = map[string]any{"type": string(e.Actor.Type), "id": e.Actor.ID, "name": e.Actor.Name}
	}
	if e.Ctx != nil {
		m["ctx"] = e.Ctx
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	if e.HashMeta != nil {
		m["hashMeta"] = map[string]any{"algo": e.HashMeta.Algo, "saltId": e.HashMeta.SaltID}
	}
	return m
}

func stringField(m map[string]any, key string) (string, bool) {
	v, present := m[key]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func isRFC3339WithOffset(s string) bool {
	if s == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return false
	}
	_, offset := t.Zone()
	// time.RFC3339 always carries an explicit offset or "Z"; Parse already
	// rejects bare local times lacking a zone designator, so a successful
	// parse is sufficient. offset is inspected only to document the intent.
	_ = offset
	return true
}

func validateSource(v any) (Source, bool) {
	m, ok := toMap(v)
	if !ok {
		return Source{}, false
	}
	product, _ := stringField(m, "product")
	version, _ := stringField(m, "version")
	if product == "" || version == "" {
		return Source{}, false
	}
	return Source{Product: product, Version: version}, true
}

func validateActor(v any) (*Actor, error) {
	m, ok := toMap(v)
	if !ok {
		return nil, ErrInvalidActor
	}
	typ, _ := stringField(m, "type")
	if !allowedActorTypes[typ] {
		return nil, ErrInvalidActor
	}
	id, _ := stringField(m, "id")
	name, _ := stringField(m, "name")
	return &Actor{Type: ActorType(typ), ID: id, Name: name}, nil
}

func validateCtxValues(m map[string]any) error {
	for _, v := range m {
		switch v.(type) {
		case string, bool, nil, float64, int, int64, float32:
		default:
			return ErrInvalidCtxType
		}
	}
	return nil
}
