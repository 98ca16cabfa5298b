// Package anon starts anonymous sub-traversals, the "__" of a query:
//
//	g.V(personID).
//	    Project("personid", "movies").
//	    By("email").
//	    By(anon.Out("watched").ValueMap("title").Fold())
package anon

import "github.com/sanonone/graphwire/pkg/traversal"

func start() *traversal.Traversal { return traversal.Anonymous() }

func V(ids ...any) *traversal.Traversal              { return start().V(ids...) }
func E(ids ...any) *traversal.Traversal              { return start().E(ids...) }
func AddV(label string) *traversal.Traversal         { return start().AddV(label) }
func AddE(label string) *traversal.Traversal         { return start().AddE(label) }
func Has(key string, value any) *traversal.Traversal { return start().Has(key, value) }
func HasLabel(labels ...any) *traversal.Traversal    { return start().HasLabel(labels...) }
func Out(labels ...any) *traversal.Traversal         { return start().Out(labels...) }
func In(labels ...any) *traversal.Traversal          { return start().In(labels...) }
func OutE(labels ...any) *traversal.Traversal        { return start().OutE(labels...) }
func InE(labels ...any) *traversal.Traversal         { return start().InE(labels...) }
func OutV() *traversal.Traversal                     { return start().OutV() }
func InV() *traversal.Traversal                      { return start().InV() }
func Values(keys ...any) *traversal.Traversal        { return start().Values(keys...) }
func ValueMap(args ...any) *traversal.Traversal      { return start().ValueMap(args...) }
func Select(aliases ...any) *traversal.Traversal     { return start().Select(aliases...) }
func Fold() *traversal.Traversal                     { return start().Fold() }
func Count() *traversal.Traversal                    { return start().Count() }
func ID() *traversal.Traversal                       { return start().ID() }
func Label() *traversal.Traversal                    { return start().Label() }
