/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pipeline

// Claim is an atomic assertion extracted from a comment, mapped to a
// (topic, subtopic). Duplicates are near-restatements attached to a
// primary claim during stage 3.
type Claim struct {
	Claim         string  `json:"claim"`
	Quote         string  `json:"quote"`
	Speaker       string  `json:"speaker,omitempty"`
	TopicName     string  `json:"topicName"`
	SubtopicName  string  `json:"subtopicName"`
	CommentID     string  `json:"commentId"`
	Duplicates    []Claim `json:"duplicates"`
	Duplicated    bool    `json:"duplicated"`
}

// Subtopic groups claims under a named subtopic within a Topic.
type Subtopic struct {
	SubtopicName             string  `json:"subtopicName"`
	SubtopicShortDescription string  `json:"subtopicShortDescription,omitempty"`
	Claims                   []Claim `json:"claims"`
}

// Topic is one node of the taxonomy stage 1 produces.
type Topic struct {
	TopicName             string     `json:"topicName"`
	TopicShortDescription string     `json:"topicShortDescription,omitempty"`
	Subtopics             []Subtopic `json:"subtopics"`
}

// Taxonomy is the ordered Topic sequence stage 1 (clustering) produces.
type Taxonomy []Topic

// taxonomyKey identifies a (topic, subtopic) pair for exact-match lookup.
// Stage 2's claim insertion does not use it: ClaimsTree.Insert looks the
// pair up in the topic and subtopic maps that NewClaimsTree seeds from the
// taxonomy, so no linear search over topic names happens (spec §9 redesign
// flag).
type taxonomyKey struct {
	topic, subtopic string
}

// index builds a membership set for exact (topicName, subtopicName)
// lookups, per spec §9's redesign flag on linear search over topic names.
// No stage currently calls it.
func (t Taxonomy) index() map[taxonomyKey]bool {
	idx := make(map[taxonomyKey]bool)
	for _, topic := range t {
		for _, sub := range topic.Subtopics {
			idx[taxonomyKey{topic: topic.TopicName, subtopic: sub.SubtopicName}] = true
		}
	}
	return idx
}

// SubtopicClaims holds the claims filed under one subtopic plus a running
// total, as stage 2 builds the ClaimsTree.
type SubtopicClaims struct {
	Total  int     `json:"total"`
	Claims []Claim `json:"claims"`
}

// TopicClaims holds the subtopics filed under one topic, keyed by subtopic
// name, plus a running total.
type TopicClaims struct {
	Total     int                       `json:"total"`
	Subtopics map[string]*SubtopicClaims `json:"subtopics"`
}

// ClaimsTree is stage 2's output: a mapping from topic name to its claims,
// built concurrently across comments and merged at batch join. Insertion
// order is not observable — the tree is sorted in stage 3.
type ClaimsTree map[string]*TopicClaims

// NewClaimsTree seeds an empty tree with one TopicClaims/SubtopicClaims
// entry per taxonomy node so insertion never needs a presence check beyond
// the map lookup itself.
func NewClaimsTree(taxonomy Taxonomy) ClaimsTree {
	tree := make(ClaimsTree, len(taxonomy))
	for _, topic := range taxonomy {
		tc := &TopicClaims{Subtopics: make(map[string]*SubtopicClaims, len(topic.Subtopics))}
		for _, sub := range topic.Subtopics {
			tc.Subtopics[sub.SubtopicName] = &SubtopicClaims{}
		}
		tree[topic.TopicName] = tc
	}
	return tree
}

// Insert files a claim under (topicName, subtopicName) if that pair exists
// in the tree (i.e. in the taxonomy); it reports whether the claim was
// inserted.
func (t ClaimsTree) Insert(claim Claim) bool {
	tc, ok := t[claim.TopicName]
	if !ok {
		return false
	}
	sc, ok := tc.Subtopics[claim.SubtopicName]
	if !ok {
		return false
	}
	sc.Claims = append(sc.Claims, claim)
	sc.Total++
	tc.Total++
	return true
}

// Merge folds other into t in place (single-writer merge at batch join,
// spec §9 redesign flag option (a): per-task partial tree merged under a
// single-writer discipline).
func (t ClaimsTree) Merge(other ClaimsTree) {
	for topicName, otherTC := range other {
		tc, ok := t[topicName]
		if !ok {
			continue
		}
		for subName, otherSC := range otherTC.Subtopics {
			sc, ok := tc.Subtopics[subName]
			if !ok {
				continue
			}
			sc.Claims = append(sc.Claims, otherSC.Claims...)
			sc.Total += otherSC.Total
			tc.Total += otherSC.Total
		}
	}
}

// Counts is the (claims, speakers) pair every sorted node carries.
type Counts struct {
	Claims   int `json:"claims"`
	Speakers int `json:"speakers"`
}

// SortedSubtopicEntry is one subtopic's sorted, deduplicated claims.
type SortedSubtopicEntry struct {
	SubtopicName string   `json:"subtopicName"`
	Claims       []Claim  `json:"claims"`
	Speakers     []string `json:"speakers"`
	Counts       Counts   `json:"counts"`
}

// SortedTopicEntry is one topic's ordered subtopics, named "topics" on the
// wire per spec §3's exact JSON shape.
type SortedTopicEntry struct {
	TopicName string                `json:"topicName"`
	Subtopics []SortedSubtopicEntry `json:"topics"`
	Speakers  []string              `json:"speakers"`
	Counts    Counts                `json:"counts"`
}

// SortedTree is stage 3's output: an ordered sequence of topics, each with
// an ordered sequence of subtopics, ordering induced by PipelineInput's
// SortStrategy (spec §3).
type SortedTree []SortedTopicEntry
