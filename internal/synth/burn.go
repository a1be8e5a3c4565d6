/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package synth

import "math"

// burnUnit is the number of sine evaluations per workload unit.
const burnUnit = 1000

// Burn spends CPU time proportional to workload and returns a value derived
// from the work so the compiler cannot drop it.
func Burn(workload float64) float32 {
	if workload <= 0 {
		return 0
	}
	n := int(workload * burnUnit)
	var acc float64
	for i := 0; i < n; i++ {
		acc += math.Sin(float64(i) * 0.001)
	}
	return float32(acc)
}
