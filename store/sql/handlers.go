package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func productHandlers() repository.ModelHandlers[*productRecord] {
	return stringIDHandlers(func() *productRecord { return &productRecord{} }, func(record *productRecord) *string {
		if record == nil {
			return nil
		}
		return &record.ID
	})
}

func orderHandlers() repository.ModelHandlers[*orderRecord] {
	return stringIDHandlers(func() *orderRecord { return &orderRecord{} }, func(record *orderRecord) *string {
		if record == nil {
			return nil
		}
		return &record.ID
	})
}

func orderItemHandlers() repository.ModelHandlers[*orderItemRecord] {
	return stringIDHandlers(func() *orderItemRecord { return &orderItemRecord{} }, func(record *orderItemRecord) *string {
		if record == nil {
			return nil
		}
		return &record.ID
	})
}

func attemptHandlers() repository.ModelHandlers[*paymentAttemptRecord] {
	return stringIDHandlers(func() *paymentAttemptRecord { return &paymentAttemptRecord{} }, func(record *paymentAttemptRecord) *string {
		if record == nil {
			return nil
		}
		return &record.ID
	})
}

func webhookEventHandlers() repository.ModelHandlers[*webhookEventRecord] {
	return stringIDHandlers(func() *webhookEventRecord { return &webhookEventRecord{} }, func(record *webhookEventRecord) *string {
		if record == nil {
			return nil
		}
		return &record.ID
	})
}

func inventoryMoveHandlers() repository.ModelHandlers[*inventoryMoveRecord] {
	return stringIDHandlers(func() *inventoryMoveRecord { return &inventoryMoveRecord{} }, func(record *inventoryMoveRecord) *string {
		if record == nil {
			return nil
		}
		return &record.ID
	})
}

// stringIDHandlers wires records keyed by a text id. Ids that are not UUIDs
// (caller supplied order ids) map to a stable name based UUID so the
// repository never replaces them.
func stringIDHandlers[T any](newRecord func() T, idOf func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			id := idOf(record)
			if id == nil {
				return uuid.Nil
			}
			return recordUUID(*id)
		},
		SetID: func(record T, id uuid.UUID) {
			current := idOf(record)
			if current == nil || strings.TrimSpace(*current) != "" {
				return
			}
			*current = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			id := idOf(record)
			if id == nil {
				return ""
			}
			return strings.TrimSpace(*id)
		},
	}
}

func recordUUID(value string) uuid.UUID {
	value = strings.TrimSpace(value)
	if value == "" {
		return uuid.Nil
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(value))
	}
	return parsed
}
