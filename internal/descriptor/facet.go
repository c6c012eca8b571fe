package descriptor

import (
	"fmt"
	"strings"
)

// Facet is a search category the grid can count and constrain on.
type Facet int

const (
	FacetProject Facet = iota
	FacetActivity
	FacetInstitute
	FacetModel
	FacetExperiment
	FacetTimeFrequency
	FacetProduct
	FacetRealm
	FacetCMORTable
	FacetEnsemble
	FacetVariable
	FacetVariableLongName
	FacetCFStandardName
	FacetDataNode
	FacetSourceType

	numFacets
)

// facetFields are the grid field names requested for each facet.
var facetFields = [numFacets]string{
	FacetProject:          "project",
	FacetActivity:         "activity",
	FacetInstitute:        "institute",
	FacetModel:            "model",
	FacetExperiment:       "experiment",
	FacetTimeFrequency:    "time_frequency",
	FacetProduct:          "product",
	FacetRealm:            "realm",
	FacetCMORTable:        "cmor_table",
	FacetEnsemble:         "ensemble",
	FacetVariable:         "variable",
	FacetVariableLongName: "variable_long_name",
	FacetCFStandardName:   "cf_standard_name",
	FacetDataNode:         "data_node",
	FacetSourceType:       "source_type",
}

// facetAliases accepts the historical spellings used by different projects
// and index nodes. Lookup is case-insensitive.
var facetAliases = map[string]Facet{
	"activity_id":      FacetActivity,
	"activity_drs":     FacetActivity,
	"institution":      FacetInstitute,
	"institution_id":   FacetInstitute,
	"source_id":        FacetModel,
	"experiment_id":    FacetExperiment,
	"frequency":        FacetTimeFrequency,
	"modeling_realm":   FacetRealm,
	"table_id":         FacetCMORTable,
	"member_id":        FacetEnsemble,
	"variant_label":    FacetEnsemble,
	"variable_id":      FacetVariable,
	"standard_name":    FacetCFStandardName,
	"datanode":         FacetDataNode,
	"long_name":        FacetVariableLongName,
	"time frequency":   FacetTimeFrequency,
	"cf standard name": FacetCFStandardName,
}

func init() {
	for f := Facet(0); f < numFacets; f++ {
		facetAliases[facetFields[f]] = f
	}
}

// String returns the grid field name of f.
func (f Facet) String() string {
	if f < 0 || f >= numFacets {
		return fmt.Sprintf("facet(%d)", int(f))
	}
	return facetFields[f]
}

// ParseFacet resolves a facet name or alias.
func ParseFacet(name string) (Facet, bool) {
	f, ok := facetAliases[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// AllFacets returns every facet in declaration order.
func AllFacets() []Facet {
	out := make([]Facet, numFacets)
	for i := range out {
		out[i] = Facet(i)
	}
	return out
}

// FacetValue is one (value, count) pair of a facet summary.
type FacetValue struct {
	Value string `json:"value" msgpack:"v"`
	Count int    `json:"count" msgpack:"c"`
}

// FacetCounts maps facet field names to their value counts.
type FacetCounts map[string][]FacetValue
