package store

// System note bodies written on membership changes.

func CreatedGroupText(name string) string { return name + " created the group" }

func JoinedGroupText(name string) string { return name + " joined" }

func LeftGroupText(name string) string { return name + " left" }
