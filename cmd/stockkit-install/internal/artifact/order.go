// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"sort"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/entitlement"
)

// declaredOrder fixes the install sequence for known artifacts. The
// foundational package must land before the add-ons that import it at
// setup time.
var declaredOrder = map[string]int{
	"stockkit":          0,
	"stockkit_data":     1,
	"stockkit_ta":       2,
	"stockkit_pipeline": 3,
	"stockkit_news":     4,
}

// SortByDeclaredOrder returns the packages in install order: known
// artifacts by their declared rank, unknown artifacts after all known
// ones in the order the server listed them.
func SortByDeclaredOrder(pkgs []entitlement.Package) []entitlement.Package {
	sorted := make([]entitlement.Package, len(pkgs))
	copy(sorted, pkgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i].Name) < rank(sorted[j].Name)
	})
	return sorted
}

func rank(name string) int {
	if r, ok := declaredOrder[name]; ok {
		return r
	}
	return len(declaredOrder)
}

// IsFoundational reports whether the package is the core artifact whose
// fresh install triggers re-registration.
func IsFoundational(name string) bool {
	return name == "stockkit"
}
