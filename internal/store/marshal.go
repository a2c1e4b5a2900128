package store

// Each entity's MarshalJSON/UnmarshalJSON pair implements the structural
// round-trip spec.md §9 asks for: unknown top-level fields survive a
// read-modify-write cycle even though this build doesn't know what they
// mean.

type projectStateAlias ProjectState

func (p *ProjectState) UnmarshalJSON(data []byte) error {
	var alias projectStateAlias
	unknown, err := decodeWithUnknown(data, &alias)
	if err != nil {
		return err
	}
	*p = ProjectState(alias)
	p.unknown = unknown
	return nil
}

func (p ProjectState) MarshalJSON() ([]byte, error) {
	return encodeWithUnknown(projectStateAlias(p), p.unknown)
}

type projectConfigAlias ProjectConfig

func (c *ProjectConfig) UnmarshalJSON(data []byte) error {
	var alias projectConfigAlias
	unknown, err := decodeWithUnknown(data, &alias)
	if err != nil {
		return err
	}
	*c = ProjectConfig(alias)
	c.unknown = unknown
	return nil
}

func (c ProjectConfig) MarshalJSON() ([]byte, error) {
	return encodeWithUnknown(projectConfigAlias(c), c.unknown)
}

type inboxItemAlias InboxItem

func (i *InboxItem) UnmarshalJSON(data []byte) error {
	var alias inboxItemAlias
	unknown, err := decodeWithUnknown(data, &alias)
	if err != nil {
		return err
	}
	*i = InboxItem(alias)
	i.unknown = unknown
	return nil
}

func (i InboxItem) MarshalJSON() ([]byte, error) {
	return encodeWithUnknown(inboxItemAlias(i), i.unknown)
}

type milestoneAlias Milestone

func (m *Milestone) UnmarshalJSON(data []byte) error {
	var alias milestoneAlias
	unknown, err := decodeWithUnknown(data, &alias)
	if err != nil {
		return err
	}
	*m = Milestone(alias)
	m.unknown = unknown
	return nil
}

func (m Milestone) MarshalJSON() ([]byte, error) {
	return encodeWithUnknown(milestoneAlias(m), m.unknown)
}

type milestoneOrderAlias MilestoneOrder

func (o *MilestoneOrder) UnmarshalJSON(data []byte) error {
	var alias milestoneOrderAlias
	unknown, err := decodeWithUnknown(data, &alias)
	if err != nil {
		return err
	}
	*o = MilestoneOrder(alias)
	o.unknown = unknown
	return nil
}

func (o MilestoneOrder) MarshalJSON() ([]byte, error) {
	return encodeWithUnknown(milestoneOrderAlias(o), o.unknown)
}

type appConfigAlias AppConfig

func (a *AppConfig) UnmarshalJSON(data []byte) error {
	var alias appConfigAlias
	unknown, err := decodeWithUnknown(data, &alias)
	if err != nil {
		return err
	}
	*a = AppConfig(alias)
	a.unknown = unknown
	return nil
}

func (a AppConfig) MarshalJSON() ([]byte, error) {
	return encodeWithUnknown(appConfigAlias(a), a.unknown)
}
