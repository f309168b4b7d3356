package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ComposedUnit is one directive produced by the composer.
type ComposedUnit struct {
	// Kind is the directive kind.
	Kind StepKind

	// Action is the index of the action the directive is for.
	Action int

	// Anchor is the index of the action whose position the directive takes.
	// For load directives this is the container owner.
	Anchor int

	// Container is the container tag, empty for standalone processes.
	Container string
}

// ContainerComposer groups container-sharing actions into one create
// directive followed by load directives.
type ContainerComposer struct {
	scope string
}

// NewContainerComposer creates a composer for actions of one description scope.
func NewContainerComposer(scope string) *ContainerComposer {
	return &ContainerComposer{scope: scope}
}

// Compose returns the directives for actions, ordered by anchor, together with
// the container groups. Include actions produce no directive.
func (c *ContainerComposer) Compose(actions []Action) ([]ComposedUnit, []ContainerGroup, error) {
	type group struct {
		owners  []int
		members []int
	}
	groups := make(map[string]*group)
	var tags []string

	for i, a := range actions {
		if a.Kind == ActionInclude {
			continue
		}
		if a.Container == "" {
			if a.OwnsContainer {
				return nil, nil, NewDeclarationError(ErrCodeInvalidAction,
					"action owns a container but has no container tag").WithAction(a.Name)
			}
			continue
		}
		if a.Kind == ActionProcess && !a.OwnsContainer {
			return nil, nil, NewDeclarationError(ErrCodeInvalidAction,
				"a process cannot attach to a container; declare it as a composable node").
				WithAction(a.Name).
				WithContainer(a.Container)
		}

		g, ok := groups[a.Container]
		if !ok {
			g = &group{}
			groups[a.Container] = g
			tags = append(tags, a.Container)
		}
		if a.OwnsContainer {
			g.owners = append(g.owners, i)
		} else {
			g.members = append(g.members, i)
		}
	}

	anchored := make(map[int][]ComposedUnit)
	containers := make([]ContainerGroup, 0, len(tags))

	for _, tag := range tags {
		g := groups[tag]
		switch {
		case len(g.owners) == 0:
			names := c.names(actions, g.members)
			return nil, nil, NewPlanError(ErrCodeNoContainerOwner,
				fmt.Sprintf("no action creates container %q; attached: %s", tag, strings.Join(names, ", ")), nil).
				WithContainer(tag).
				WithAction(names[0]).
				WithDetail("members", names)
		case len(g.owners) > 1:
			names := c.names(actions, g.owners)
			return nil, nil, NewPlanError(ErrCodeMultipleContainerOwners,
				fmt.Sprintf("container %q has %d owners: %s", tag, len(names), strings.Join(names, ", ")), nil).
				WithContainer(tag).
				WithDetail("owners", names)
		}

		owner := g.owners[0]
		units := []ComposedUnit{{Kind: StepCreateContainer, Action: owner, Anchor: owner, Container: tag}}
		for _, m := range g.members {
			units = append(units, ComposedUnit{Kind: StepLoadComponent, Action: m, Anchor: owner, Container: tag})
		}
		anchored[owner] = units

		containers = append(containers, ContainerGroup{
			Tag:     tag,
			Scope:   c.scope,
			Owner:   actions[owner].Name,
			Members: c.names(actions, g.members),
		})
	}

	var out []ComposedUnit
	for i, a := range actions {
		if a.Kind == ActionInclude {
			continue
		}
		if a.Container == "" {
			out = append(out, ComposedUnit{Kind: StepStartProcess, Action: i, Anchor: i})
			continue
		}
		out = append(out, anchored[i]...)
	}

	sortContainers(containers, actions)
	return out, containers, nil
}

func (c *ContainerComposer) names(actions []Action, idx []int) []string {
	names := make([]string, 0, len(idx))
	for _, i := range idx {
		names = append(names, actions[i].Name)
	}
	return names
}

// sortContainers orders groups by their owner's declaration position.
func sortContainers(groups []ContainerGroup, actions []Action) {
	pos := make(map[string]int, len(actions))
	for i, a := range actions {
		if _, ok := pos[a.Name]; !ok {
			pos[a.Name] = i
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return pos[groups[i].Owner] < pos[groups[j].Owner]
	})
}
