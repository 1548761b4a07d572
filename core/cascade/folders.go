// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package cascade

import (
	"context"
	"fmt"
	"strings"

	"github.com/mofreitas/woodwork/core/bucket"
	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/logger"
	"github.com/mofreitas/woodwork/core/proxy"
)

// The standard subtree provisioned under every budget folder. Planning
// tools drop their exports into the project folders, the briefing
// folders hold the customer-facing documents.
var budgetSubtree = map[string][]string{
	"project":  {"EASM", "ALPHACAM"},
	"briefing": {"Listas de Corte e Etiquetas", "3D", "VF do Cliente"},
}

// budgetFolderName derives the folder name of a budget from its urn:
// the part after the last colon, and of that the part after the last
// underscore. "urn:ngsi-ld:Budget:2024_0042" becomes "0042".
func budgetFolderName(budgetID string) string {
	name := budgetID
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "_"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// ProvisionBudgetFolders creates the standard folder subtree for a new
// budget under the owning customer's tree. Idempotent.
func (w *Workflow) ProvisionBudgetFolders(ctx context.Context, budgetID string) error {
	if w.bucket == nil {
		return nil
	}
	budget, err := w.broker.GetKeyValues(ctx, budgetID)
	if err != nil {
		return err
	}
	ownerID := proxy.RelationshipObject(budget, "orderBy")
	if ownerID == "" {
		logger.FromContext(ctx).Errorf("Error 5011: budget %s has no customer, cannot provision folders", budgetID)
		return nil
	}
	owner, err := w.broker.GetKeyValues(ctx, ownerID)
	if err != nil {
		return err
	}
	email := proxy.PropertyString(owner, "email")
	if email == "" {
		logger.FromContext(ctx).Errorf("Error 5012: customer %s has no email, cannot provision folders", ownerID)
		return nil
	}

	root, err := w.bucket.GetOrCreateFolder(ctx, email, budgetFolderName(budgetID), budgetID, nil)
	if err != nil {
		return err
	}
	for name, children := range budgetSubtree {
		folder, err := w.bucket.GetOrCreateFolder(ctx, "", name, "", &root.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if _, err := w.bucket.GetOrCreateFolder(ctx, "", child, "", &folder.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// budgetRootFolder returns the root folder of a budget's subtree, or nil
// when the budget has no folders.
func (w *Workflow) budgetRootFolder(ctx context.Context, budgetID string) (*bucket.Folder, error) {
	folders, err := w.bucket.Folders(ctx, "", budgetID)
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].Parent == nil {
			return &folders[i], nil
		}
	}
	return nil, nil
}

func (w *Workflow) deleteBudgetFolders(ctx context.Context, budgetID string) (int, error) {
	if w.bucket == nil {
		return 0, nil
	}
	root, err := w.budgetRootFolder(ctx, budgetID)
	if err != nil || root == nil {
		return 0, err
	}
	if err := w.bucket.DeleteFolder(ctx, root.ID); err != nil {
		return 0, err
	}
	return 1, nil
}

func (w *Workflow) deleteOwnerFolders(ctx context.Context, email string) (int, error) {
	if w.bucket == nil || email == "" {
		return 0, nil
	}
	folders, err := w.bucket.Folders(ctx, email, "")
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range folders {
		if folders[i].Parent != nil {
			continue
		}
		if err := w.bucket.DeleteFolder(ctx, folders[i].ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// furnitureLocation describes where a furniture entity's folder lives
// inside the budget subtree. Groups sit directly in the project folder,
// sub groups inside their group, furniture inside group and sub group.
type furnitureLocation struct {
	parents []string // path below the project folder
	name    string   // folder name of the furniture itself
}

// locateFurniture decides where a furniture entity's folder lives.
// Accessories carry no documents and get no folder.
func locateFurniture(furnitureType, group, subGroup, name string) (furnitureLocation, bool, error) {
	switch proxy.FurnitureType(furnitureType) {
	case proxy.FurnitureTypeGroup:
		return furnitureLocation{name: name}, true, nil
	case proxy.FurnitureTypeSubGroup:
		return furnitureLocation{parents: []string{group}, name: name}, true, nil
	case proxy.FurnitureTypeFurniture:
		return furnitureLocation{parents: []string{group, subGroup}, name: name}, true, nil
	case proxy.FurnitureTypeAccessory:
		return furnitureLocation{}, false, nil
	}
	return furnitureLocation{}, false, fmt.Errorf("unknown furniture type %q", furnitureType)
}

func ignoreNoRows(err error) error {
	if err == csql.ErrNoRows {
		return nil
	}
	return err
}

// EnsureFurnitureFolder creates the folder for a furniture entity,
// including any missing group folders above it. When the budget subtree
// itself is missing it is provisioned first.
func (w *Workflow) EnsureFurnitureFolder(ctx context.Context, furnitureID string) error {
	if w.bucket == nil {
		return nil
	}
	furniture, err := w.broker.GetKeyValues(ctx, furnitureID)
	if err != nil {
		return err
	}
	budgetID := proxy.RelationshipObject(furniture, "hasBudget")
	location, hasFolder, err := locateFurniture(
		proxy.PropertyString(furniture, "furnitureType"),
		proxy.PropertyString(furniture, "group"),
		proxy.PropertyString(furniture, "subGroup"),
		proxy.PropertyString(furniture, "name"))
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5013: cannot place folder for %s", furnitureID)
		return nil
	}
	if !hasFolder {
		return nil
	}

	root, err := w.budgetRootFolder(ctx, budgetID)
	if err != nil {
		return err
	}
	if root == nil {
		if err := w.ProvisionBudgetFolders(ctx, budgetID); err != nil {
			return err
		}
		if root, err = w.budgetRootFolder(ctx, budgetID); err != nil || root == nil {
			return err
		}
	}
	parent, err := w.bucket.GetOrCreateFolder(ctx, "", "project", "", &root.ID)
	if err != nil {
		return err
	}
	for _, name := range append(location.parents, location.name) {
		if parent, err = w.bucket.GetOrCreateFolder(ctx, "", name, "", &parent.ID); err != nil {
			return err
		}
	}
	return nil
}

// furnitureFolder walks the budget subtree to the folder of a furniture
// entity without creating anything. Returns nil when any link of the
// chain is missing.
func (w *Workflow) furnitureFolder(ctx context.Context, budgetID string, location furnitureLocation, name string) (*bucket.Folder, error) {
	root, err := w.budgetRootFolder(ctx, budgetID)
	if err != nil || root == nil {
		return nil, err
	}
	parent, err := w.bucket.Folder(ctx, root.Owner, "project", root.Budget, &root.ID)
	if err != nil {
		return nil, ignoreNoRows(err)
	}
	for _, segment := range location.parents {
		if parent, err = w.bucket.Folder(ctx, parent.Owner, bucket.ValidName(segment), parent.Budget, &parent.ID); err != nil {
			return nil, ignoreNoRows(err)
		}
	}
	folder, err := w.bucket.Folder(ctx, parent.Owner, bucket.ValidName(name), parent.Budget, &parent.ID)
	if err != nil {
		return nil, ignoreNoRows(err)
	}
	return folder, nil
}

// RenameFurnitureFolder moves the furniture's folder to its new name,
// carrying all nested folders and files along. When the folder never
// existed it is created fresh instead.
func (w *Workflow) RenameFurnitureFolder(ctx context.Context, furnitureID, oldName string) error {
	if w.bucket == nil {
		return nil
	}
	furniture, err := w.broker.GetKeyValues(ctx, furnitureID)
	if err != nil {
		return err
	}
	budgetID := proxy.RelationshipObject(furniture, "hasBudget")
	newName := proxy.PropertyString(furniture, "name")
	location, hasFolder, err := locateFurniture(
		proxy.PropertyString(furniture, "furnitureType"),
		proxy.PropertyString(furniture, "group"),
		proxy.PropertyString(furniture, "subGroup"),
		newName)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5014: cannot place folder for %s", furnitureID)
		return nil
	}
	if !hasFolder {
		return nil
	}
	folder, err := w.furnitureFolder(ctx, budgetID, location, oldName)
	if err != nil {
		return err
	}
	if folder == nil {
		return w.EnsureFurnitureFolder(ctx, furnitureID)
	}
	_, err = w.bucket.RenameFolder(ctx, folder.ID, newName)
	return err
}

func (w *Workflow) deleteFurnitureFolder(ctx context.Context, furniture proxy.FurnitureDeletedEvent) (int, error) {
	if w.bucket == nil {
		return 0, nil
	}
	location, hasFolder, err := locateFurniture(furniture.FurnitureType, furniture.Group, furniture.SubGroup, furniture.Name)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5015: cannot place folder for %s", furniture.ID)
		return 0, nil
	}
	if !hasFolder {
		return 0, nil
	}
	folder, err := w.furnitureFolder(ctx, furniture.Budget, location, furniture.Name)
	if err != nil || folder == nil {
		return 0, err
	}
	if err := w.bucket.DeleteFolder(ctx, folder.ID); err != nil {
		return 0, err
	}
	return 1, nil
}
