package store

import (
	"sort"

	"github.com/wenke727/repopilot/internal/idgen"
	"github.com/wenke727/repopilot/internal/model"
)

type CreateNotificationInput struct {
	TaskID string
	Type   model.NotificationType
	Title  string
	Body   string
}

func (s *JSONStore) CreateNotification(in CreateNotificationInput) (*model.Notification, error) {
	var notification model.Notification
	err := s.withLock("notifications", func() error {
		rows, err := readRows(s.notificationsFile)
		if err != nil {
			return err
		}
		existing := map[string]bool{}
		for _, row := range rows {
			if id, ok := row["id"].(string); ok {
				existing[id] = true
			}
		}
		typ := in.Type
		if typ == "" {
			typ = model.NotificationInfo
		}
		notification = model.Notification{
			ID:        idgen.Next(existing),
			TaskID:    in.TaskID,
			Type:      typ,
			Title:     in.Title,
			Body:      in.Body,
			CreatedAt: model.UTCNowISO(),
			Read:      false,
		}
		row, err := encodeRow(notification)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return writeRowsAtomic(s.notificationsFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return &notification, nil
}

func (s *JSONStore) ListNotifications() ([]model.Notification, error) {
	var rows []map[string]interface{}
	if err := s.withLock("notifications", func() error {
		r, err := readRows(s.notificationsFile)
		rows = r
		return err
	}); err != nil {
		return nil, err
	}

	notifications := make([]model.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := decodeRow[model.Notification](row)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt > notifications[j].CreatedAt
	})
	return notifications, nil
}

func (s *JSONStore) MarkNotificationRead(id string) (*model.Notification, error) {
	var target map[string]interface{}
	err := s.withLock("notifications", func() error {
		rows, err := readRows(s.notificationsFile)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row["id"] == id {
				row["read"] = true
				target = row
				break
			}
		}
		if target == nil {
			return nil
		}
		return writeRowsAtomic(s.notificationsFile, rows)
	})
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}
	n, err := decodeRow[model.Notification](target)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
