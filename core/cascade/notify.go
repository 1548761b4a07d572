// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package cascade

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mofreitas/woodwork/core/logger"
	"github.com/mofreitas/woodwork/core/proxy"
)

// BudgetNotification is what goes out when a budget changes. The fields
// are resolved from the merged budget state so the notifier does not
// need broker access.
type BudgetNotification struct {
	BudgetID     string      `json:"budget_id"`
	BudgetName   string      `json:"budget_name"`
	Price        interface{} `json:"price,omitempty"`
	ApprovedDate string      `json:"approved_date,omitempty"`
	ApprovedBy   string      `json:"approved_by,omitempty"`
	Customer     string      `json:"customer"`
	Email        string      `json:"email"`
}

// Notifier delivers budget change notifications to the customer.
type Notifier interface {
	BudgetChanged(ctx context.Context, notification BudgetNotification) error
}

// LogNotifier writes notifications to the log. The default until a mail
// or messaging transport is configured.
type LogNotifier struct{}

// BudgetChanged implements Notifier.
func (LogNotifier) BudgetChanged(ctx context.Context, n BudgetNotification) error {
	logger.FromContext(ctx).WithField("email", n.Email).
		Infof("budget %s changed: name=%q price=%v approved=%s", n.BudgetID, n.BudgetName, n.Price, n.ApprovedDate)
	return nil
}

// mergeEntity lays the partial update over the pre-change broker state.
// Maps merge recursively so a partial attribute document does not wipe
// the metadata of the stored one, anything else overwrites.
func mergeEntity(current, incoming map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range incoming {
		incomingMap, inOK := value.(map[string]interface{})
		currentMap, curOK := merged[key].(map[string]interface{})
		if inOK && curOK {
			merged[key] = mergeEntity(currentMap, incomingMap)
			continue
		}
		merged[key] = value
	}
	return merged
}

// formatApprovedDate renders a broker timestamp the way the shop writes
// dates. Unparseable input passes through unchanged.
func formatApprovedDate(value string) string {
	if value == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("02/01/2006")
		}
	}
	return value
}

// NotifyBudgetChanged merges the update over the previous budget state,
// resolves the customer and hands the notification to the notifier.
func (w *Workflow) NotifyBudgetChanged(ctx context.Context, event proxy.BudgetChangedEvent) error {
	var current, incoming map[string]interface{}
	if err := json.Unmarshal(event.Current, &current); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5017: cannot decode budget %s state", event.BudgetID)
		return nil
	}
	if err := json.Unmarshal(event.Incoming, &incoming); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5018: cannot decode budget %s update", event.BudgetID)
		return nil
	}
	merged := mergeEntity(current, incoming)

	notification := BudgetNotification{
		BudgetID:     event.BudgetID,
		BudgetName:   proxy.PropertyString(merged, "name"),
		Price:        proxy.PropertyValue(merged, "price"),
		ApprovedDate: formatApprovedDate(proxy.PropertyString(merged, "approvedDate")),
		ApprovedBy:   w.resolvePersonName(ctx, proxy.RelationshipObject(merged, "approvedBy")),
	}

	ownerID := proxy.RelationshipObject(merged, "orderBy")
	if ownerID != "" {
		owner, err := w.broker.GetKeyValues(ctx, ownerID)
		if err != nil {
			return err
		}
		notification.Customer = personName(owner)
		notification.Email = proxy.PropertyString(owner, "email")
	}
	if notification.Email == "" {
		logger.FromContext(ctx).Errorf("Error 5019: budget %s has no customer email, dropping notification", event.BudgetID)
		return nil
	}
	return w.notifier.BudgetChanged(ctx, notification)
}

// resolvePersonName turns a person urn into a display name, falling back
// to the urn itself.
func (w *Workflow) resolvePersonName(ctx context.Context, urn string) string {
	if urn == "" {
		return ""
	}
	person, err := w.broker.GetKeyValues(ctx, urn)
	if err != nil {
		return urn
	}
	if name := personName(person); name != "" {
		return name
	}
	return urn
}

func personName(entity map[string]interface{}) string {
	given := proxy.PropertyString(entity, "givenName")
	family := proxy.PropertyString(entity, "familyName")
	return strings.TrimSpace(given + " " + family)
}
