package domain

import "errors"

var (
	ErrUnknownPackage      = errors.New("unknown package")
	ErrUnknownPackager     = errors.New("unknown packager")
	ErrSelfDependency      = errors.New("package cannot depend on itself")
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrConstraintViolation = errors.New("constraint violation")
)
