// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalogue

import (
	"fmt"
	"sync"
)

// Built-in group names.
const (
	GroupBlimp      = "blimp"
	GroupSupplement = "supplement"
	GroupSling      = "sling"
)

// builtinGroups returns the benchmark suites in evaluation order.
//
// supplement and sling files live side by side in supplement_filtered.
func builtinGroups() []GroupDefinition {
	return []GroupDefinition{
		{
			Name:         GroupBlimp,
			Subdirectory: "blimp_filtered",
			Suffix:       ".json",
			Files: []string{
				"anaphor_agreement.json",
				"argument_structure.json",
				"binding.json",
				"control_raising.json",
				"determiner_noun_agreement.json",
				"ellipsis.json",
				"filler_gap.json",
				"irregular_forms.json",
				"island_effects.json",
				"npi_licensing.json",
				"quantifiers.json",
				"subject_verb_agreement.json",
			},
		},
		{
			Name:         GroupSupplement,
			Subdirectory: "supplement_filtered",
			Suffix:       ".json",
			Files: []string{
				"hypernym.json",
				"qa_congruence_easy.json",
				"qa_congruence_tricky.json",
				"subject_aux_inversion.json",
				"turn_taking.json",
			},
		},
		{
			Name:         GroupSling,
			Subdirectory: "supplement_filtered",
			Suffix:       ".jsonl",
			Files: []string{
				"alternative_haishi_ma.jsonl",
				"anaphor_baseline_female.jsonl",
				"anaphor_baseline_male.jsonl",
				"anaphor_pp_female.jsonl",
				"anaphor_pp_male.jsonl",
				"anaphor_self_female.jsonl",
				"anaphor_self_male.jsonl",
				"aspect_temporal_guo.jsonl",
				"aspect_temporal_le.jsonl",
				"aspect_zai_guo.jsonl",
				"aspect_zai_le.jsonl",
				"aspect_zai_no_le.jsonl",
				"cl_adj_comp_noun.jsonl",
				"cl_adj_comp_noun_v2.jsonl",
				"cl_adj_simple_noun.jsonl",
				"cl_comp_noun.jsonl",
				"cl_comp_noun_v2.jsonl",
				"cl_dem_cl_swap.jsonl",
				"cl_simple_noun.jsonl",
				"definiteness_demonstrative.jsonl",
				"definiteness_every.jsonl",
				"fronting_bare_wh.jsonl",
				"fronting_mod_wh.jsonl",
				"pl_anaphor_baseline_cl_female.jsonl",
				"pl_anaphor_baseline_cl_male.jsonl",
				"pl_anaphor_baseline_cl_men_female.jsonl",
				"pl_anaphor_baseline_cl_men_male.jsonl",
				"pl_anaphor_baseline_men_female.jsonl",
				"pl_anaphor_baseline_men_male.jsonl",
				"pl_anaphor_cl_men_self_female.jsonl",
				"pl_anaphor_cl_men_self_male.jsonl",
				"pl_anaphor_cl_self_female.jsonl",
				"pl_anaphor_cl_self_male.jsonl",
				"pl_anaphor_menself_female.jsonl",
				"pl_anaphor_menself_male.jsonl",
				"polarity_any.jsonl",
				"polarity_even_wh.jsonl",
				"polarity_more_or_less.jsonl",
				"rc_resumptive_noun.jsonl",
				"rc_resumptive_pronoun.jsonl",
			},
		},
	}
}

var builtin = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(builtinGroups()...)
	if err != nil {
		panic(fmt.Sprintf("catalogue: invalid built-in registry: %v", err))
	}
	return r
})

// Builtin returns the built-in registry.
//
// The registry is constructed on first use and shared afterwards; it is
// immutable, so sharing is safe.
func Builtin() *Registry {
	return builtin()
}
