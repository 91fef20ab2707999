package mocks

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/mock"
)

type Tracker struct {
	mock.Mock
}

func (_m *Tracker) Enqueue(eventName string, properties ...analytics.Properties) {
	_va := make([]interface{}, len(properties))
	for _i := range properties {
		_va[_i] = properties[_i]
	}
	var _ca []interface{}
	_ca = append(_ca, eventName)
	_ca = append(_ca, _va...)
	_m.Called(_ca...)
}

func (_m *Tracker) Wait() {
	_m.Called()
}
